package repair

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

// Engine executes corrective actions against the ledger. Each action
// reuses the payment's deterministic leg ids, so re-running an action
// after a crash cannot move money twice.
type Engine struct {
	db       *gorm.DB
	store    *Store
	corebank *adapters.CoreBankingAdapter
	resolver *configres.Resolver
	bus      eventbus.EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates the repair engine.
func NewEngine(db *gorm.DB, store *Store, corebank *adapters.CoreBankingAdapter, resolver *configres.Resolver, bus eventbus.EventBus, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		store:    store,
		corebank: corebank,
		resolver: resolver,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply executes one corrective action on a claimed repair. actor is
// "system" for the automatic loop or the operator id for manual calls.
func (e *Engine) Apply(ctx context.Context, rec *models.RepairRecord, action models.CorrectiveAction, actor string) error {
	ctx, span := otel.Tracer("repair").Start(ctx, "repair.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("repair_id", rec.ID.String()),
		attribute.String("action", string(action)),
	)

	payment, err := e.loadPayment(ctx, rec)
	if err != nil {
		return err
	}
	settings, err := e.settingsFor(ctx, payment)
	if err != nil {
		return err
	}

	switch action {
	case models.ActionRetryDebit:
		return e.retryLeg(ctx, rec, payment, settings, models.LegDebit, actor)
	case models.ActionRetryCredit:
		return e.retryLeg(ctx, rec, payment, settings, models.LegCredit, actor)
	case models.ActionRetryBoth:
		if err := e.retryLeg(ctx, rec, payment, settings, models.LegDebit, actor); err != nil {
			return err
		}
		return e.retryLeg(ctx, rec, payment, settings, models.LegCredit, actor)
	case models.ActionReverseDebit:
		return e.reverseDebit(ctx, rec, payment, settings, actor)
	case models.ActionReverseCredit:
		return e.reverseCredit(ctx, rec, payment, settings, actor)
	case models.ActionReverseBoth:
		if err := e.reverseCredit(ctx, rec, payment, settings, actor); err != nil {
			return err
		}
		return e.reverseDebit(ctx, rec, payment, settings, actor)
	case models.ActionManualDebit, models.ActionManualCredit, models.ActionManualBoth:
		return e.assignManual(ctx, rec, action)
	case models.ActionCancelTx:
		return e.cancel(ctx, rec, payment, actor)
	case models.ActionEscalate:
		return e.store.Escalate(ctx, rec, "escalated by "+actor)
	case models.ActionNone:
		return nil
	default:
		return fmt.Errorf("unknown corrective action %q", action)
	}
}

// ProcessAutomatic picks the corrective action implied by the repair
// type, the route and the observed leg states, then applies it.
// Called by the scheduler for each claimed record.
func (e *Engine) ProcessAutomatic(ctx context.Context, rec *models.RepairRecord) {
	payment, err := e.loadPayment(ctx, rec)
	if err != nil {
		e.logger.Error("repair without payment", zap.String("repair_id", rec.ID.String()), zap.Error(err))
		if err := e.store.Escalate(ctx, rec, "payment instruction not found"); err != nil {
			e.logger.Error("failed to escalate repair", zap.Error(err))
		}
		return
	}
	action := e.automaticAction(rec, payment)
	if action == models.ActionNone {
		if err := e.store.Escalate(ctx, rec, "no automatic action for "+string(rec.RepairType)); err != nil {
			e.logger.Error("failed to escalate repair", zap.String("repair_id", rec.ID.String()), zap.Error(err))
		}
		return
	}
	if err := e.Apply(ctx, rec, action, "system"); err != nil {
		e.logger.Warn("repair action failed",
			zap.String("repair_id", rec.ID.String()),
			zap.String("action", string(action)),
			zap.String("error_code", payerr.CodeOf(err)))
		if err := e.store.Reschedule(ctx, rec, 30*time.Second, 2.0, err.Error()); err != nil {
			e.logger.Error("failed to reschedule repair", zap.String("repair_id", rec.ID.String()), zap.Error(err))
		}
	}
}

// automaticAction maps the failure shape to the safe next step. A
// books-inconsistent mismatch is never auto-retried, and a credit that
// lives at another bank is never retried on the local ledger.
func (e *Engine) automaticAction(rec *models.RepairRecord, p *models.PaymentInstruction) models.CorrectiveAction {
	switch rec.RepairType {
	case models.RepairCreditFailed, models.RepairCreditTimeout:
		if p.RouteType == "OTHER_BANK" {
			return models.ActionEscalate
		}
		if rec.DebitStatus == models.LegSucceeded {
			return models.ActionRetryCredit
		}
		return models.ActionRetryBoth
	case models.RepairDebitFailed, models.RepairDebitTimeout:
		return models.ActionRetryDebit
	case models.RepairPartialSuccess:
		return models.ActionRetryCredit
	case models.RepairDebitCreditMismatch, models.RepairManualReview:
		return models.ActionEscalate
	default:
		return models.ActionNone
	}
}

func (e *Engine) retryLeg(ctx context.Context, rec *models.RepairRecord, p *models.PaymentInstruction, settings resilience.Settings, kind models.LegKind, actor string) error {
	req := adapters.LegRequest{
		LegID:     models.LegID(p.TransactionReference, kind),
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Reference: p.TransactionReference,
	}
	var result *adapters.LegResult
	var err error
	switch kind {
	case models.LegDebit:
		req.Account = p.FromAccount
		req.CounterpartyAccount = p.ToAccount
		result, err = e.corebank.ProcessDebit(ctx, p.TenantID, req, settings)
	case models.LegCredit:
		req.Account = p.ToAccount
		req.CounterpartyAccount = p.FromAccount
		result, err = e.corebank.ProcessCredit(ctx, p.TenantID, req, settings)
	default:
		return fmt.Errorf("cannot retry leg kind %q", kind)
	}
	if err != nil {
		return err
	}
	if result.FallbackUsed {
		return payerr.Wrapf(payerr.ErrNetwork, nil, "leg %s deferred to queue", req.LegID)
	}

	updates := map[string]interface{}{}
	if kind == models.LegDebit {
		rec.DebitStatus = models.LegSucceeded
		updates["debit_status"] = models.LegSucceeded
		updates["debit_reference"] = result.LedgerReference
	} else {
		rec.CreditStatus = models.LegSucceeded
		updates["credit_status"] = models.LegSucceeded
		updates["credit_reference"] = result.LedgerReference
	}
	if err := e.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		return err
	}

	if rec.DebitStatus == models.LegSucceeded && rec.CreditStatus == models.LegSucceeded {
		if err := e.completePayment(ctx, p); err != nil {
			return err
		}
		return e.store.Resolve(ctx, rec, actor, "both legs settled")
	}
	return nil
}

// reverseDebit returns debited funds to the originator.
func (e *Engine) reverseDebit(ctx context.Context, rec *models.RepairRecord, p *models.PaymentInstruction, settings resilience.Settings, actor string) error {
	req := adapters.LegRequest{
		LegID:       models.LegID(p.TransactionReference, models.LegRollbackDebit),
		Account:     p.FromAccount,
		Amount:      p.Amount.StringFixed(2),
		Currency:    p.Currency,
		Reference:   p.TransactionReference,
		Description: "reversal of " + models.LegID(p.TransactionReference, models.LegDebit),
	}
	result, err := e.corebank.ProcessCredit(ctx, p.TenantID, req, settings)
	if err != nil {
		return err
	}
	if result.FallbackUsed {
		return payerr.Wrapf(payerr.ErrNetwork, nil, "reversal %s deferred to queue", req.LegID)
	}
	if err := e.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Update("debit_status", models.LegReversed).Error; err != nil {
		return err
	}
	rec.DebitStatus = models.LegReversed
	if err := e.failPayment(ctx, p, rec.FailureReason); err != nil {
		return err
	}
	return e.store.Resolve(ctx, rec, actor, "debit reversed")
}

// reverseCredit claws back funds credited in error.
func (e *Engine) reverseCredit(ctx context.Context, rec *models.RepairRecord, p *models.PaymentInstruction, settings resilience.Settings, actor string) error {
	req := adapters.LegRequest{
		LegID:       models.LegID(p.TransactionReference, models.LegRollbackCredit),
		Account:     p.ToAccount,
		Amount:      p.Amount.StringFixed(2),
		Currency:    p.Currency,
		Reference:   p.TransactionReference,
		Description: "reversal of " + models.LegID(p.TransactionReference, models.LegCredit),
	}
	result, err := e.corebank.ProcessDebit(ctx, p.TenantID, req, settings)
	if err != nil {
		return err
	}
	if result.FallbackUsed {
		return payerr.Wrapf(payerr.ErrNetwork, nil, "reversal %s deferred to queue", req.LegID)
	}
	if err := e.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Update("credit_status", models.LegReversed).Error; err != nil {
		return err
	}
	rec.CreditStatus = models.LegReversed
	return nil
}

// assignManual parks the repair for a human without touching the ledger.
func (e *Engine) assignManual(ctx context.Context, rec *models.RepairRecord, action models.CorrectiveAction) error {
	return e.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"repair_status":     models.RepairAssigned,
			"corrective_action": action,
			"claim_token":       "",
		}).Error
}

func (e *Engine) cancel(ctx context.Context, rec *models.RepairRecord, p *models.PaymentInstruction, actor string) error {
	if err := e.failPayment(ctx, p, "cancelled via repair"); err != nil {
		return err
	}
	return e.store.Resolve(ctx, rec, actor, "transaction cancelled")
}

func (e *Engine) loadPayment(ctx context.Context, rec *models.RepairRecord) (*models.PaymentInstruction, error) {
	var p models.PaymentInstruction
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", rec.TenantID, rec.TransactionReference).
		First(&p).Error
	if err != nil {
		return nil, fmt.Errorf("loading payment for repair %s: %w", rec.ID, err)
	}
	return &p, nil
}

func (e *Engine) settingsFor(ctx context.Context, p *models.PaymentInstruction) (resilience.Settings, error) {
	resolved, err := e.resolver.Resolve(ctx, configres.CallContext{
		Tenant:          p.TenantID,
		PaymentType:     p.PaymentType,
		LocalInstrument: p.LocalInstrument,
		ClearingSystem:  p.ClearingSystemCode,
		ServiceType:     "core-banking",
		Now:             e.now(),
	})
	if err != nil {
		return resilience.Settings{}, err
	}
	return resilience.SettingsFrom(resolved.Resiliency), nil
}

func (e *Engine) completePayment(ctx context.Context, p *models.PaymentInstruction) error {
	if err := e.db.WithContext(ctx).Model(&models.PaymentInstruction{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{"status": models.PaymentCompleted, "outcome_code": "REPAIRED"}).Error; err != nil {
		return err
	}
	e.publish(ctx, p, models.PaymentCompleted, "REPAIRED")
	return nil
}

func (e *Engine) failPayment(ctx context.Context, p *models.PaymentInstruction, reason string) error {
	if err := e.db.WithContext(ctx).Model(&models.PaymentInstruction{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{"status": models.PaymentFailed, "outcome_code": reason}).Error; err != nil {
		return err
	}
	e.publish(ctx, p, models.PaymentFailed, reason)
	return nil
}

func (e *Engine) publish(ctx context.Context, p *models.PaymentInstruction, status models.PaymentStatus, code string) {
	if e.bus == nil {
		return
	}
	event := eventbus.PaymentEvent{
		TenantID:             p.TenantID,
		TransactionReference: p.TransactionReference,
		Status:               string(status),
		OutcomeCode:          code,
	}
	if err := e.bus.PublishAsync(ctx, eventbus.TopicPaymentCompleted, event); err != nil {
		e.logger.Warn("failed to publish payment event", zap.Error(err))
	}
}
