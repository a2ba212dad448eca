package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/routing"
)

// processOtherBank sends a payment out through a clearing system:
// hold, debit, release the hold, transform, dispatch. Once the debit
// has settled every failure path must either compensate or raise a
// repair; there is no silent drop.
func (o *Orchestrator) processOtherBank(ctx context.Context, p *models.PaymentInstruction, decision *routing.Decision) (*Outcome, error) {
	ledgerSettings, err := o.settingsFor(ctx, p, "core-banking")
	if err != nil {
		return nil, err
	}
	clearingResolved, err := o.resolveFor(ctx, p, "clearing")
	if err != nil {
		return nil, err
	}
	clearingSettings := resilience.SettingsFrom(clearingResolved.Resiliency)

	// Reserve the funds before anything leaves the bank.
	hold, err := o.corebank.HoldFunds(ctx, p.TenantID, adapters.LegRequest{
		LegID:     models.LegID(p.TransactionReference, models.LegHold),
		Account:   p.FromAccount,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Reference: p.TransactionReference,
	}, ledgerSettings)
	if err != nil {
		o.setStatus(ctx, p, models.PaymentFailed, payerr.CodeOf(err))
		o.publish(ctx, p, models.PaymentFailed, payerr.CodeOf(err), "")
		return &Outcome{Status: models.PaymentFailed, Code: payerr.CodeOf(err)}, nil
	}
	if hold.FallbackUsed {
		return o.parkDebitDeferred(ctx, p, hold.QueuedMessageID)
	}

	o.setStatus(ctx, p, models.PaymentDebit, "")
	debit, err := o.corebank.ProcessDebit(ctx, p.TenantID, adapters.LegRequest{
		LegID:     models.LegID(p.TransactionReference, models.LegDebit),
		Account:   p.FromAccount,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Reference: p.TransactionReference,
	}, ledgerSettings)
	if err != nil {
		o.releaseHold(ctx, p, ledgerSettings)
		o.setStatus(ctx, p, models.PaymentFailed, payerr.CodeOf(err))
		o.publish(ctx, p, models.PaymentFailed, payerr.CodeOf(err), "")
		return &Outcome{Status: models.PaymentFailed, Code: payerr.CodeOf(err)}, nil
	}
	if debit.FallbackUsed {
		return o.parkDebitDeferred(ctx, p, debit.QueuedMessageID)
	}
	o.releaseHold(ctx, p, ledgerSettings)

	// Transform to the clearing wire format.
	mapping, err := o.mappings.Get(ctx, p.TenantID, clearingResolved.MappingName)
	if err != nil {
		return o.compensateDebit(ctx, p, ledgerSettings, models.PaymentFailed, payerr.CodeOf(err))
	}
	wire, err := o.mapper.Transform(mapping, models.DirectionRequest, paymentView(p))
	if err != nil {
		return o.compensateDebit(ctx, p, ledgerSettings, models.PaymentFailed, payerr.CodeOf(err))
	}

	o.setStatus(ctx, p, models.PaymentDispatchClearing, "")
	dispatch, err := o.clearing.Dispatch(ctx, decision.Endpoint, p.TenantID, p.CorrelationID, wire, clearingSettings)
	if err != nil {
		if payerr.IsTerminal(err) {
			return o.compensateDebit(ctx, p, ledgerSettings, models.PaymentRejected, payerr.CodeOf(err))
		}
		return o.compensateDebit(ctx, p, ledgerSettings, models.PaymentFailed, payerr.ErrDebitOkDispatchFailed.Code)
	}

	switch dispatch.Status {
	case adapters.DispatchRejected:
		return o.compensateDebit(ctx, p, ledgerSettings, models.PaymentRejected, dispatch.ReasonCode)

	case adapters.DispatchQueued:
		return o.parkPendingAck(ctx, p, models.PaymentDispatchClearing, "DISPATCH_QUEUED",
			clearingSettings.AckWindow, dispatch.QueuedMessageID)

	case adapters.DispatchAckPending:
		return o.parkPendingAck(ctx, p, models.PaymentCompletedPendingAck, "",
			clearingSettings.AckWindow, "")

	default: // DispatchAccepted
		o.setStatus(ctx, p, models.PaymentCompleted, "")
		o.publish(ctx, p, models.PaymentCompleted, "", "")
		o.logger.Info("payment completed",
			zap.String("tenant_id", p.TenantID),
			zap.String("transaction_reference", p.TransactionReference),
			zap.String("route", p.RouteType),
			zap.String("clearing_system", p.ClearingSystemCode))
		return &Outcome{Status: models.PaymentCompleted}, nil
	}
}

// releaseHold releases the reservation once the debit has settled.
// Failure here never changes the payment outcome; the ledger reconciles
// expired holds on its own schedule.
func (o *Orchestrator) releaseHold(ctx context.Context, p *models.PaymentInstruction, settings resilience.Settings) {
	_, err := o.corebank.ReleaseFunds(ctx, p.TenantID, adapters.LegRequest{
		LegID:     models.LegID(p.TransactionReference, models.LegHold),
		Account:   p.FromAccount,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Reference: p.TransactionReference,
	}, settings)
	if err != nil {
		o.logger.Warn("failed to release hold",
			zap.String("transaction_reference", p.TransactionReference),
			zap.Error(err))
	}
}

// parkPendingAck records the ack deadline as a repair record. The
// record becomes due only when the window closes; an earlier ack
// resolves it. Funds are never auto-reversed on ack timeout.
func (o *Orchestrator) parkPendingAck(ctx context.Context, p *models.PaymentInstruction, status models.PaymentStatus, code string, ackWindow time.Duration, queuedID string) (*Outcome, error) {
	deadline := o.now().Add(ackWindow)
	sweep := deadline.Add(ackWindow)
	rec, err := o.repairs.Create(ctx, &models.RepairRecord{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		RepairType:           models.RepairCreditTimeout,
		DebitStatus:          models.LegSucceeded,
		CreditStatus:         models.LegPendingSt,
		FailureReason:        "awaiting clearing acknowledgement",
		NextRetryAt:          &deadline,
		TimeoutAt:            &sweep,
		Priority:             6,
	})
	if err != nil {
		return nil, err
	}
	o.setStatus(ctx, p, status, code)
	o.publishRepair(ctx, p, rec)
	return &Outcome{Status: status, Code: code, RepairID: rec.ID.String(), QueuedID: queuedID}, nil
}
