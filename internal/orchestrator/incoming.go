package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// Ack statuses on the pacs.002 we return to the clearing system.
const (
	ackSettled  = "ACSC"
	ackPending  = "ACSP"
	ackRejected = "RJCT"
)

// IngestClearing handles an incoming clearing message: transform to
// the canonical shape, credit the beneficiary, and answer with an
// acknowledgement. Replaying a message yields the acknowledgement the
// first delivery earned; the counterparty's books are never touched.
func (o *Orchestrator) IngestClearing(ctx context.Context, tenant, systemCode string, raw map[string]interface{}) (*Outcome, map[string]interface{}, error) {
	scope := &models.PaymentInstruction{
		TenantID:           tenant,
		ClearingSystemCode: systemCode,
		Source:             models.SourceClearingSystem,
	}
	resolved, err := o.resolveFor(ctx, scope, "clearing")
	if err != nil {
		return nil, nil, err
	}

	mapping, err := o.mappings.Get(ctx, tenant, resolved.MappingName)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := o.mapper.Transform(mapping, models.DirectionRequest, raw)
	if err != nil {
		return nil, nil, err
	}

	p, err := instructionFrom(tenant, systemCode, canonical, raw)
	if err != nil {
		return nil, nil, err
	}

	var existing models.PaymentInstruction
	err = o.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", tenant, p.TransactionReference).
		First(&existing).Error
	switch {
	case err == nil:
		// Idempotent replay: same acknowledgement, no new movement.
		o.logger.Info("replayed clearing message",
			zap.String("tenant_id", tenant),
			zap.String("transaction_reference", p.TransactionReference))
		out := o.outcomeOf(ctx, &existing)
		return out, o.buildAck(ctx, &existing, ackFor(existing.Status), existing.OutcomeCode, resolved.MappingName), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First delivery.
	default:
		return nil, nil, err
	}

	if err := o.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, nil, err
	}

	out, err := o.processIncomingCredit(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return out, o.buildAck(ctx, p, ackFor(out.Status), out.Code, resolved.MappingName), nil
}

// processIncomingCredit credits the beneficiary of an incoming
// payment. A failed credit raises a repair; there is no counterparty
// leg to reverse from this side.
func (o *Orchestrator) processIncomingCredit(ctx context.Context, p *models.PaymentInstruction) (*Outcome, error) {
	settings, err := o.settingsFor(ctx, p, "core-banking")
	if err != nil {
		return nil, err
	}

	o.setStatus(ctx, p, models.PaymentCredit, "")
	credit, err := o.corebank.ProcessCredit(ctx, p.TenantID, adapters.LegRequest{
		LegID:     models.LegID(p.TransactionReference, models.LegCredit),
		Account:   p.ToAccount,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Reference: p.TransactionReference,
	}, settings)
	if err != nil {
		if payerr.IsTerminal(err) {
			o.setStatus(ctx, p, models.PaymentRejected, payerr.CodeOf(err))
			o.publish(ctx, p, models.PaymentRejected, payerr.CodeOf(err), "")
			return &Outcome{Status: models.PaymentRejected, Code: payerr.CodeOf(err)}, nil
		}
		return o.parkIncomingCredit(ctx, p, payerr.CodeOf(err))
	}
	if credit.FallbackUsed {
		return o.parkIncomingCredit(ctx, p, "CREDIT_QUEUED")
	}

	o.setStatus(ctx, p, models.PaymentCompleted, "")
	o.publish(ctx, p, models.PaymentCompleted, "", "")
	return &Outcome{Status: models.PaymentCompleted}, nil
}

func (o *Orchestrator) parkIncomingCredit(ctx context.Context, p *models.PaymentInstruction, reason string) (*Outcome, error) {
	rec, err := o.repairs.Create(ctx, &models.RepairRecord{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		RepairType:           models.RepairCreditFailed,
		DebitStatus:          models.LegSucceeded,
		CreditStatus:         models.LegFailed,
		FailureReason:        reason,
		Priority:             7,
	})
	if err != nil {
		return nil, err
	}
	o.setStatus(ctx, p, models.PaymentRepair, reason)
	o.publishRepair(ctx, p, rec)
	return &Outcome{Status: models.PaymentRepair, Code: reason, RepairID: rec.ID.String()}, nil
}

// HandleAck correlates an incoming pacs.002 with the payment awaiting
// it. A rejection after our debit settled never auto-reverses; it
// escalates the parked repair instead.
func (o *Orchestrator) HandleAck(ctx context.Context, tenant, systemCode string, raw map[string]interface{}) (*Outcome, error) {
	scope := &models.PaymentInstruction{
		TenantID:           tenant,
		ClearingSystemCode: systemCode,
		Source:             models.SourceClearingSystem,
	}
	resolved, err := o.resolveFor(ctx, scope, "clearing")
	if err != nil {
		return nil, err
	}

	canonical := raw
	if ackMapping, err := o.mappings.Get(ctx, tenant, resolved.MappingName+".ack"); err == nil {
		if canonical, err = o.mapper.Transform(ackMapping, models.DirectionResponse, raw); err != nil {
			return nil, err
		}
	}

	txref, _ := canonical["original_reference"].(string)
	if txref == "" {
		return nil, payerr.Wrapf(payerr.ErrMissingField, nil, "acknowledgement carries no original reference")
	}
	status, _ := canonical["status"].(string)
	reason, _ := canonical["reason"].(string)

	var p models.PaymentInstruction
	err = o.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", tenant, txref).
		First(&p).Error
	if err != nil {
		return nil, fmt.Errorf("correlating acknowledgement %s: %w", txref, err)
	}
	if p.Status != models.PaymentCompletedPendingAck && p.Status != models.PaymentDispatchClearing {
		// Late or duplicate ack; the stored outcome stands.
		return o.outcomeOf(ctx, &p), nil
	}

	accepted := status == ackSettled || status == "ACCEPTED"
	if accepted {
		o.setStatus(ctx, &p, models.PaymentCompleted, "")
		o.publish(ctx, &p, models.PaymentCompleted, "", "")
		if rec, err := o.repairs.FindOpen(ctx, tenant, txref); err == nil {
			if err := o.repairs.Resolve(ctx, rec, "system", "clearing acknowledgement received"); err != nil {
				o.logger.Error("failed to resolve ack repair", zap.Error(err))
			}
		}
		return &Outcome{Status: models.PaymentCompleted}, nil
	}

	o.setStatus(ctx, &p, models.PaymentRepair, reason)
	rec, rerr := o.repairs.FindOpen(ctx, tenant, txref)
	if rerr != nil {
		rec, rerr = o.repairs.Create(ctx, &models.RepairRecord{
			TenantID:             tenant,
			TransactionReference: txref,
			RepairType:           models.RepairCreditTimeout,
			DebitStatus:          models.LegSucceeded,
			CreditStatus:         models.LegFailed,
			FailureReason:        "clearing rejected after settlement window: " + reason,
			Priority:             8,
		})
		if rerr != nil {
			return nil, rerr
		}
	}
	if err := o.repairs.Escalate(ctx, rec, "clearing rejection "+reason); err != nil {
		o.logger.Error("failed to escalate rejected ack", zap.Error(err))
	}
	o.publishRepair(ctx, &p, rec)
	return &Outcome{Status: models.PaymentRepair, Code: reason, RepairID: rec.ID.String()}, nil
}

// buildAck renders the pacs.002 we hand back. A tenant mapping named
// "<base>.ack.out" shapes the wire format; without one the canonical
// shape goes out as-is.
func (o *Orchestrator) buildAck(ctx context.Context, p *models.PaymentInstruction, status, reason, mappingBase string) map[string]interface{} {
	canonical := map[string]interface{}{
		"message_type":       "pacs.002",
		"ack_id":             uuid.New().String(),
		"original_reference": p.TransactionReference,
		"status":             status,
		"reason":             reason,
		"timestamp":          o.now().UTC().Format(time.RFC3339),
	}
	mapping, err := o.mappings.Get(ctx, p.TenantID, mappingBase+".ack.out")
	if err != nil {
		return canonical
	}
	wire, err := o.mapper.Transform(mapping, models.DirectionResponse, canonical)
	if err != nil {
		o.logger.Warn("ack mapping failed, using canonical shape",
			zap.String("transaction_reference", p.TransactionReference),
			zap.Error(err))
		return canonical
	}
	return wire
}

// ackFor maps a payment status to the acknowledgement code.
func ackFor(status models.PaymentStatus) string {
	switch status {
	case models.PaymentCompleted:
		return ackSettled
	case models.PaymentRejected, models.PaymentFailed:
		return ackRejected
	default:
		return ackPending
	}
}

// instructionFrom builds the persisted instruction from the canonical
// incoming shape.
func instructionFrom(tenant, systemCode string, canonical, raw map[string]interface{}) (*models.PaymentInstruction, error) {
	txref, _ := canonical["transaction_reference"].(string)
	if txref == "" {
		return nil, payerr.Wrapf(payerr.ErrMissingField, nil, "transaction_reference")
	}
	toAccount, _ := canonical["to_account"].(string)
	if toAccount == "" {
		return nil, payerr.Wrapf(payerr.ErrMissingField, nil, "to_account")
	}
	currency, _ := canonical["currency"].(string)
	if !currencyPattern.MatchString(currency) {
		return nil, payerr.Wrap(payerr.ErrInvalidCurrency, nil)
	}
	amount, err := amountOf(canonical["amount"])
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, payerr.Wrapf(payerr.ErrMissingField, nil, "amount must be positive")
	}

	p := &models.PaymentInstruction{
		TenantID:             tenant,
		TransactionReference: txref,
		ToAccount:            toAccount,
		Amount:               amount,
		Currency:             currency,
		Source:               models.SourceClearingSystem,
		ClearingSystemCode:   systemCode,
		RouteType:            "INCOMING_CLEARING",
		Status:               models.PaymentCreated,
	}
	p.FromAccount, _ = canonical["from_account"].(string)
	p.PaymentType, _ = canonical["payment_type"].(string)
	if p.PaymentType == "" {
		p.PaymentType = "CREDIT_TRANSFER"
	}
	p.LocalInstrument, _ = canonical["local_instrument"].(string)
	p.RemittanceInfo, _ = canonical["remittance_info"].(string)
	p.CorrelationID, _ = canonical["correlation_id"].(string)

	if rawBytes, err := jsonMarshal(raw); err == nil {
		p.OriginalPayload = rawBytes
	}
	return p, nil
}

func jsonMarshal(v interface{}) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// amountOf accepts the amount as a JSON number or string.
func amountOf(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, payerr.Wrapf(payerr.ErrTypeCoercion, err, "amount %q", n)
		}
		return d, nil
	default:
		return decimal.Zero, payerr.Wrapf(payerr.ErrMissingField, nil, "amount")
	}
}
