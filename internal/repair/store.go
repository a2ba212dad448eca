package repair

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kranthikarthan/payment-engine/internal/models"
)

// Store owns repair record persistence and the claim protocol the
// repair loop and the operator API share.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
	rand   *rand.Rand
}

// NewStore creates a repair store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Create materializes a repair for a payment. At most one open repair
// exists per (tenant, transaction_reference); a second creation for
// the same payment returns the existing open record.
func (s *Store) Create(ctx context.Context, rec *models.RepairRecord) (*models.RepairRecord, error) {
	var existing models.RepairRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", rec.TenantID, rec.TransactionReference).
		First(&existing).Error
	switch {
	case err == nil:
		if !existing.RepairStatus.Terminal() {
			return &existing, nil
		}
		// A terminal repair for the same payment blocks the unique
		// index; revive it for the new failure.
		existing.RepairType = rec.RepairType
		existing.RepairStatus = models.RepairPending
		existing.DebitStatus = rec.DebitStatus
		existing.CreditStatus = rec.CreditStatus
		existing.FailureReason = rec.FailureReason
		existing.RetryCount = 0
		existing.NextRetryAt = nil
		existing.Priority = rec.Priority
		existing.CorrectiveAction = rec.CorrectiveAction
		existing.ResolvedAt = nil
		existing.ResolvedBy = ""
		existing.ClaimToken = ""
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	case err == gorm.ErrRecordNotFound:
		if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
			return nil, err
		}
		s.logger.Info("repair created",
			zap.String("repair_id", rec.ID.String()),
			zap.String("tenant_id", rec.TenantID),
			zap.String("transaction_reference", rec.TransactionReference),
			zap.String("repair_type", string(rec.RepairType)),
			zap.Int("priority", rec.Priority))
		return rec, nil
	default:
		return nil, err
	}
}

// Get loads one repair by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.RepairRecord, error) {
	var rec models.RepairRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindOpen returns the non-terminal repair for a payment, if any.
func (s *Store) FindOpen(ctx context.Context, tenant, transactionReference string) (*models.RepairRecord, error) {
	var rec models.RepairRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_reference = ?", tenant, transactionReference).
		Where("repair_status NOT IN ?", []models.RepairStatus{models.RepairResolved, models.RepairCancelled}).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns repairs for a tenant, optionally filtered by status.
func (s *Store) List(ctx context.Context, tenant string, status models.RepairStatus, limit int) ([]models.RepairRecord, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenant)
	if status != "" {
		q = q.Where("repair_status = ?", status)
	}
	var recs []models.RepairRecord
	err := q.Order("priority DESC, created_at ASC").Limit(limit).Find(&recs).Error
	return recs, err
}

// PickNextBatch atomically claims up to limit due repairs, optionally
// scoped to one tenant (empty claims across all tenants). Eligible
// records are PENDING, below their retry budget and past next_retry_at;
// the claim flips them to IN_PROGRESS under a fresh token so a second
// worker cannot double-apply.
func (s *Store) PickNextBatch(ctx context.Context, tenant string, limit int) ([]models.RepairRecord, error) {
	var claimed []models.RepairRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("repair_status = ? AND retry_count < max_retries", models.RepairPending).
			Where("next_retry_at IS NULL OR next_retry_at <= ?", s.now())
		if tenant != "" {
			q = q.Where("tenant_id = ?", tenant)
		}
		var due []models.RepairRecord
		err := q.Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&due).Error
		if err != nil {
			return err
		}
		for i := range due {
			due[i].RepairStatus = models.RepairInProgress
			due[i].ClaimToken = uuid.New().String()
			if err := tx.Model(&models.RepairRecord{}).
				Where("id = ?", due[i].ID).
				Updates(map[string]interface{}{
					"repair_status": models.RepairInProgress,
					"claim_token":   due[i].ClaimToken,
				}).Error; err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	return claimed, err
}

// Reschedule returns a claimed repair to PENDING with a jittered
// exponential backoff. Exhausting the retry budget escalates instead.
func (s *Store) Reschedule(ctx context.Context, rec *models.RepairRecord, base time.Duration, multiplier float64, reason string) error {
	rec.RetryCount++
	if rec.RetryCount >= rec.MaxRetries {
		return s.Escalate(ctx, rec, fmt.Sprintf("retries exhausted: %s", reason))
	}
	wait := s.jitter(backoffWait(base, multiplier, rec.RetryCount))
	next := s.now().Add(wait)
	return s.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"repair_status":  models.RepairPending,
			"retry_count":    rec.RetryCount,
			"next_retry_at":  next,
			"failure_reason": reason,
			"claim_token":    "",
		}).Error
}

// Escalate pins the repair at top priority for human attention.
func (s *Store) Escalate(ctx context.Context, rec *models.RepairRecord, notes string) error {
	s.logger.Warn("repair escalated",
		zap.String("repair_id", rec.ID.String()),
		zap.String("transaction_reference", rec.TransactionReference),
		zap.String("notes", notes))
	return s.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"repair_status":     models.RepairAssigned,
			"corrective_action": models.ActionEscalate,
			"priority":          10,
			"resolution_notes":  notes,
			"claim_token":       "",
		}).Error
}

// Resolve closes a repair.
func (s *Store) Resolve(ctx context.Context, rec *models.RepairRecord, actor, notes string) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"repair_status":    models.RepairResolved,
			"resolution_notes": notes,
			"resolved_at":      now,
			"resolved_by":      actor,
			"claim_token":      "",
		}).Error
}

// Fail marks a repair permanently failed.
func (s *Store) Fail(ctx context.Context, rec *models.RepairRecord, notes string) error {
	return s.db.WithContext(ctx).Model(&models.RepairRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"repair_status":    models.RepairFailed,
			"resolution_notes": notes,
			"claim_token":      "",
		}).Error
}

// Sweep escalates every open repair whose timeout_at has passed, so a
// forgotten record cannot sit below the surface forever.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var stale []models.RepairRecord
	err := s.db.WithContext(ctx).
		Where("timeout_at IS NOT NULL AND timeout_at <= ?", s.now()).
		Where("repair_status IN ?", []models.RepairStatus{models.RepairPending, models.RepairInProgress}).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	for i := range stale {
		if err := s.Escalate(ctx, &stale[i], "repair timed out"); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

// jitter spreads a wait by ±10% so competing workers do not thunder.
func (s *Store) jitter(d time.Duration) time.Duration {
	spread := 0.9 + s.rand.Float64()*0.2
	return time.Duration(float64(d) * spread)
}

// maxBackoffWait caps the exponential growth between repair attempts.
const maxBackoffWait = time.Hour

// backoffWait is base scaled by multiplier once per recorded retry,
// capped at maxBackoffWait.
func backoffWait(base time.Duration, multiplier float64, retryCount int) time.Duration {
	wait := base
	for i := 0; i < retryCount; i++ {
		wait = time.Duration(float64(wait) * multiplier)
		if wait >= maxBackoffWait {
			return maxBackoffWait
		}
	}
	return wait
}
