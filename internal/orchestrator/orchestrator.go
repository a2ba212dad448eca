package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/fraud"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/repair"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/routing"
	"github.com/kranthikarthan/payment-engine/internal/transform"
)

// Outbound wire format for customer credit transfers.
const outboundMessageType = "pacs.008"

// Outcome is what the caller learns about a processed payment.
type Outcome struct {
	Status   models.PaymentStatus `json:"status"`
	Code     string               `json:"code,omitempty"`
	RepairID string               `json:"repair_id,omitempty"`
	QueuedID string               `json:"queued_message_id,omitempty"`
}

// Orchestrator drives a payment from intake to a terminal or parked
// state. Money movement is two-phase (debit then credit) with explicit
// compensation; anything the machine cannot settle lands in a repair
// record rather than an error log.
type Orchestrator struct {
	db       *gorm.DB
	resolver *configres.Resolver
	mappings *transform.Store
	mapper   *transform.Mapper
	router   *routing.Router
	gate     *fraud.Gate
	corebank *adapters.CoreBankingAdapter
	clearing *adapters.ClearingAdapter
	repairs  *repair.Store
	bus      eventbus.EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	db *gorm.DB,
	resolver *configres.Resolver,
	mappings *transform.Store,
	mapper *transform.Mapper,
	router *routing.Router,
	gate *fraud.Gate,
	corebank *adapters.CoreBankingAdapter,
	clearing *adapters.ClearingAdapter,
	repairs *repair.Store,
	bus eventbus.EventBus,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:       db,
		resolver: resolver,
		mappings: mappings,
		mapper:   mapper,
		router:   router,
		gate:     gate,
		corebank: corebank,
		clearing: clearing,
		repairs:  repairs,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Submit validates and persists a new instruction, then processes it.
// Resubmitting the same (tenant, transaction_reference) returns the
// stored outcome instead of moving money again.
func (o *Orchestrator) Submit(ctx context.Context, p *models.PaymentInstruction) (*Outcome, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	var existing models.PaymentInstruction
	err := o.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", p.TenantID, p.TransactionReference).
		First(&existing).Error
	switch {
	case err == nil:
		o.logger.Info("duplicate submission, returning stored outcome",
			zap.String("tenant_id", p.TenantID),
			zap.String("transaction_reference", p.TransactionReference))
		return o.outcomeOf(ctx, &existing), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// New instruction.
	default:
		return nil, err
	}

	p.Status = models.PaymentCreated
	if err := o.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return o.Process(ctx, p)
}

// validate enforces the intake contract before anything is persisted.
func validate(p *models.PaymentInstruction) error {
	switch {
	case p.TenantID == "":
		return payerr.Wrapf(payerr.ErrMissingField, nil, "tenant_id")
	case p.TransactionReference == "":
		return payerr.Wrapf(payerr.ErrMissingField, nil, "transaction_reference")
	case p.ToAccount == "":
		return payerr.Wrapf(payerr.ErrMissingField, nil, "to_account")
	case p.Source == models.SourceBankClient && p.FromAccount == "":
		return payerr.Wrapf(payerr.ErrMissingField, nil, "from_account")
	case p.PaymentType == "":
		return payerr.Wrapf(payerr.ErrMissingField, nil, "payment_type")
	case !p.Amount.IsPositive():
		return payerr.Wrapf(payerr.ErrMissingField, nil, "amount must be positive")
	case !currencyPattern.MatchString(p.Currency):
		return payerr.Wrap(payerr.ErrInvalidCurrency, nil)
	}
	return nil
}

// Process runs the state machine for an already persisted instruction.
func (o *Orchestrator) Process(ctx context.Context, p *models.PaymentInstruction) (*Outcome, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "payment.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", p.TenantID),
		attribute.String("transaction_reference", p.TransactionReference),
		attribute.String("source", string(p.Source)),
	)

	if outcome, done, err := o.fraudStage(ctx, p); done || err != nil {
		return outcome, err
	}

	decision, err := o.router.Decide(ctx, p, outboundMessageType)
	if err != nil {
		if payerr.KindOf(err) == payerr.KindRouting {
			o.setStatus(ctx, p, models.PaymentFailed, payerr.CodeOf(err))
			return &Outcome{Status: models.PaymentFailed, Code: payerr.CodeOf(err)}, nil
		}
		return nil, err
	}
	p.RouteType = string(decision.Route)
	updates := map[string]interface{}{"route_type": p.RouteType, "status": models.PaymentRouted}
	if decision.ClearingSystem != nil {
		p.ClearingSystemCode = decision.ClearingSystem.Code
		updates["clearing_system_code"] = p.ClearingSystemCode
	}
	if err := o.db.WithContext(ctx).Model(&models.PaymentInstruction{}).
		Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	switch decision.Route {
	case routing.RouteSameBank:
		return o.processSameBank(ctx, p)
	case routing.RouteOtherBank:
		return o.processOtherBank(ctx, p, decision)
	default:
		return o.processIncomingCredit(ctx, p)
	}
}

// fraudStage consults the gate. done=true means processing stops here.
func (o *Orchestrator) fraudStage(ctx context.Context, p *models.PaymentInstruction) (*Outcome, bool, error) {
	if p.Source != models.SourceBankClient {
		return nil, false, nil
	}
	o.setStatus(ctx, p, models.PaymentFraudCheck, "")

	assessment, err := o.gate.Check(ctx, p)
	if err != nil {
		return nil, false, err
	}
	switch assessment.Decision {
	case models.FraudApprove:
		return nil, false, nil
	case models.FraudReject:
		o.setStatus(ctx, p, models.PaymentRejected, payerr.ErrFraudRejected.Code)
		o.publish(ctx, p, models.PaymentRejected, payerr.ErrFraudRejected.Code, "")
		return &Outcome{Status: models.PaymentRejected, Code: payerr.ErrFraudRejected.Code}, true, nil
	default:
		// MANUAL_REVIEW, HOLD and ESCALATE park the payment for a human.
		rec, rerr := o.repairs.Create(ctx, &models.RepairRecord{
			TenantID:             p.TenantID,
			TransactionReference: p.TransactionReference,
			RepairType:           models.RepairManualReview,
			DebitStatus:          models.LegPendingSt,
			CreditStatus:         models.LegPendingSt,
			FailureReason:        "fraud decision " + string(assessment.Decision),
			Priority:             7,
		})
		if rerr != nil {
			return nil, false, rerr
		}
		o.setStatus(ctx, p, models.PaymentRepair, payerr.ErrFraudManualReview.Code)
		o.publishRepair(ctx, p, rec)
		return &Outcome{Status: models.PaymentRepair, Code: payerr.ErrFraudManualReview.Code, RepairID: rec.ID.String()}, true, nil
	}
}

// processSameBank settles both legs on the local ledger: debit first,
// credit second, compensating credit if the second leg fails.
func (o *Orchestrator) processSameBank(ctx context.Context, p *models.PaymentInstruction) (*Outcome, error) {
	settings, err := o.settingsFor(ctx, p, "core-banking")
	if err != nil {
		return nil, err
	}

	o.setStatus(ctx, p, models.PaymentDebit, "")
	debit, err := o.corebank.ProcessDebit(ctx, p.TenantID, adapters.LegRequest{
		LegID:               models.LegID(p.TransactionReference, models.LegDebit),
		Account:             p.FromAccount,
		CounterpartyAccount: p.ToAccount,
		Amount:              p.Amount.StringFixed(2),
		Currency:            p.Currency,
		Reference:           p.TransactionReference,
	}, settings)
	if err != nil {
		// Nothing moved; the failure is clean.
		o.setStatus(ctx, p, models.PaymentFailed, payerr.CodeOf(err))
		o.publish(ctx, p, models.PaymentFailed, payerr.CodeOf(err), "")
		return &Outcome{Status: models.PaymentFailed, Code: payerr.CodeOf(err)}, nil
	}
	if debit.FallbackUsed {
		return o.parkDebitDeferred(ctx, p, debit.QueuedMessageID)
	}

	o.setStatus(ctx, p, models.PaymentCredit, "")
	credit, err := o.corebank.ProcessCredit(ctx, p.TenantID, adapters.LegRequest{
		LegID:               models.LegID(p.TransactionReference, models.LegCredit),
		Account:             p.ToAccount,
		CounterpartyAccount: p.FromAccount,
		Amount:              p.Amount.StringFixed(2),
		Currency:            p.Currency,
		Reference:           p.TransactionReference,
	}, settings)
	if err != nil || credit.FallbackUsed {
		reason := "credit deferred to queue"
		if err != nil {
			reason = payerr.CodeOf(err)
		}
		return o.compensateDebit(ctx, p, settings, models.PaymentFailed, reason)
	}

	o.setStatus(ctx, p, models.PaymentCompleted, "")
	o.publish(ctx, p, models.PaymentCompleted, "", "")
	o.logger.Info("payment completed",
		zap.String("tenant_id", p.TenantID),
		zap.String("transaction_reference", p.TransactionReference),
		zap.String("route", p.RouteType))
	return &Outcome{Status: models.PaymentCompleted}, nil
}

// compensateDebit reverses a settled debit after a failed credit or
// dispatch. A successful compensation still leaves an audit trail: a
// resolved repair recording the reversal. A failed compensation leaves
// the books inconsistent and raises the highest-urgency repair.
func (o *Orchestrator) compensateDebit(ctx context.Context, p *models.PaymentInstruction, settings resilience.Settings, finalStatus models.PaymentStatus, reason string) (*Outcome, error) {
	rollback, err := o.corebank.ProcessCredit(ctx, p.TenantID, adapters.LegRequest{
		LegID:       models.LegID(p.TransactionReference, models.LegRollbackDebit),
		Account:     p.FromAccount,
		Amount:      p.Amount.StringFixed(2),
		Currency:    p.Currency,
		Reference:   p.TransactionReference,
		Description: "compensation: " + reason,
	}, settings)
	if err != nil || rollback.FallbackUsed {
		rec, rerr := o.repairs.Create(ctx, &models.RepairRecord{
			TenantID:             p.TenantID,
			TransactionReference: p.TransactionReference,
			RepairType:           models.RepairDebitCreditMismatch,
			DebitStatus:          models.LegSucceeded,
			CreditStatus:         models.LegFailed,
			FailureReason:        reason,
			Priority:             9,
		})
		if rerr != nil {
			return nil, rerr
		}
		o.setStatus(ctx, p, models.PaymentRepair, payerr.ErrDebitCreditMismatch.Code)
		o.publishRepair(ctx, p, rec)
		return &Outcome{Status: models.PaymentRepair, Code: payerr.ErrDebitCreditMismatch.Code, RepairID: rec.ID.String()}, nil
	}

	rec, rerr := o.repairs.Create(ctx, &models.RepairRecord{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		RepairType:           models.RepairCreditFailed,
		DebitStatus:          models.LegReversed,
		CreditStatus:         models.LegFailed,
		FailureReason:        reason,
		CorrectiveAction:     models.ActionReverseDebit,
		Priority:             5,
	})
	if rerr != nil {
		return nil, rerr
	}
	if err := o.repairs.Resolve(ctx, rec, "system", "debit reversed after failed credit"); err != nil {
		o.logger.Error("failed to resolve compensation repair",
			zap.String("repair_id", rec.ID.String()),
			zap.Error(err))
	}

	o.setStatus(ctx, p, finalStatus, reason)
	o.publish(ctx, p, finalStatus, reason, rec.ID.String())
	o.logger.Warn("payment did not complete, debit compensated",
		zap.String("tenant_id", p.TenantID),
		zap.String("transaction_reference", p.TransactionReference),
		zap.String("status", string(finalStatus)),
		zap.String("reason", reason))
	return &Outcome{Status: finalStatus, Code: reason, RepairID: rec.ID.String()}, nil
}

// parkDebitDeferred records a repair tracking a debit the dispatcher
// could only queue. The queue loop will land the leg; repair keeps a
// deadline on it.
func (o *Orchestrator) parkDebitDeferred(ctx context.Context, p *models.PaymentInstruction, queuedID string) (*Outcome, error) {
	timeout := o.now().Add(time.Hour)
	rec, err := o.repairs.Create(ctx, &models.RepairRecord{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		RepairType:           models.RepairDebitTimeout,
		DebitStatus:          models.LegPendingSt,
		CreditStatus:         models.LegPendingSt,
		FailureReason:        "debit deferred to queue",
		TimeoutAt:            &timeout,
		Priority:             6,
	})
	if err != nil {
		return nil, err
	}
	o.setStatus(ctx, p, models.PaymentRepair, "DEBIT_QUEUED")
	o.publishRepair(ctx, p, rec)
	return &Outcome{Status: models.PaymentRepair, Code: "DEBIT_QUEUED", RepairID: rec.ID.String(), QueuedID: queuedID}, nil
}

func (o *Orchestrator) settingsFor(ctx context.Context, p *models.PaymentInstruction, service string) (resilience.Settings, error) {
	resolved, err := o.resolveFor(ctx, p, service)
	if err != nil {
		return resilience.Settings{}, err
	}
	return resilience.SettingsFrom(resolved.Resiliency), nil
}

func (o *Orchestrator) resolveFor(ctx context.Context, p *models.PaymentInstruction, service string) (*configres.ResolvedConfig, error) {
	direction := "OUTBOUND"
	if p.Source == models.SourceClearingSystem {
		direction = "INBOUND"
	}
	return o.resolver.Resolve(ctx, configres.CallContext{
		Tenant:          p.TenantID,
		PaymentType:     p.PaymentType,
		LocalInstrument: p.LocalInstrument,
		ClearingSystem:  p.ClearingSystemCode,
		ServiceType:     service,
		Direction:       direction,
		Now:             o.now(),
	})
}

func (o *Orchestrator) setStatus(ctx context.Context, p *models.PaymentInstruction, status models.PaymentStatus, code string) {
	p.Status = status
	if code != "" {
		p.OutcomeCode = code
	}
	updates := map[string]interface{}{"status": status}
	if code != "" {
		updates["outcome_code"] = code
	}
	if err := o.db.WithContext(ctx).Model(&models.PaymentInstruction{}).
		Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		o.logger.Error("failed to persist payment status",
			zap.String("transaction_reference", p.TransactionReference),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// outcomeOf reconstructs the outcome of an already processed payment
// for idempotent resubmission.
func (o *Orchestrator) outcomeOf(ctx context.Context, p *models.PaymentInstruction) *Outcome {
	out := &Outcome{Status: p.Status, Code: p.OutcomeCode}
	if p.Status == models.PaymentRepair {
		var rec models.RepairRecord
		err := o.db.WithContext(ctx).
			Where("tenant_id = ? AND transaction_reference = ?", p.TenantID, p.TransactionReference).
			First(&rec).Error
		if err == nil {
			out.RepairID = rec.ID.String()
		}
	}
	return out
}

func (o *Orchestrator) publish(ctx context.Context, p *models.PaymentInstruction, status models.PaymentStatus, code, repairID string) {
	if o.bus == nil {
		return
	}
	event := eventbus.PaymentEvent{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		Status:               string(status),
		OutcomeCode:          code,
		RepairID:             repairID,
	}
	if err := o.bus.PublishAsync(ctx, eventbus.TopicPaymentCompleted, event); err != nil {
		o.logger.Warn("failed to publish payment event", zap.Error(err))
	}
}

func (o *Orchestrator) publishRepair(ctx context.Context, p *models.PaymentInstruction, rec *models.RepairRecord) {
	if o.bus == nil {
		return
	}
	event := eventbus.PaymentEvent{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		Status:               string(models.PaymentRepair),
		RepairID:             rec.ID.String(),
	}
	if err := o.bus.PublishAsync(ctx, eventbus.TopicPaymentRepair, event); err != nil {
		o.logger.Warn("failed to publish repair event", zap.Error(err))
	}
}

// paymentView is the canonical source map for outbound transformations.
func paymentView(p *models.PaymentInstruction) map[string]interface{} {
	view := map[string]interface{}{
		"transaction_reference": p.TransactionReference,
		"tenant_id":             p.TenantID,
		"from_account":          p.FromAccount,
		"to_account":            p.ToAccount,
		"amount":                p.Amount.StringFixed(2),
		"currency":              p.Currency,
		"payment_type":          p.PaymentType,
		"local_instrument":      p.LocalInstrument,
		"charge_bearer":         p.ChargeBearer,
		"remittance_info":       p.RemittanceInfo,
		"correlation_id":        p.CorrelationID,
	}
	if p.ValueDate != nil {
		view["value_date"] = p.ValueDate.Format("2006-01-02")
	}
	if len(p.OriginalPayload) > 0 {
		var original map[string]interface{}
		if err := json.Unmarshal(p.OriginalPayload, &original); err == nil {
			view["payload"] = original
		}
	}
	return view
}
