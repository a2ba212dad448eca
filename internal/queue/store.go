package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kranthikarthan/payment-engine/internal/models"
)

// Store owns queued-message persistence. It implements the
// dispatcher's Enqueuer, so a fallback and a scheduled replay share
// one table and one claim protocol.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
	rand   *rand.Rand
}

// NewStore creates a queue store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue persists a deferred call.
func (s *Store) Enqueue(ctx context.Context, msg *models.QueuedMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return err
	}
	s.logger.Info("message queued",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID),
		zap.String("service", msg.ServiceName),
		zap.String("message_type", msg.MessageType))
	return nil
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.QueuedMessage, error) {
	var msg models.QueuedMessage
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ClaimBatch atomically claims up to limit due messages: PENDING, or
// RETRY whose next_retry_at has passed, highest priority first, oldest
// first within a priority. Claimed rows flip to PROCESSING under a
// fresh token.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]models.QueuedMessage, error) {
	var claimed []models.QueuedMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		var due []models.QueuedMessage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ?) OR (status = ? AND next_retry_at <= ?)",
				models.QueuePending, models.QueueRetry, now).
			Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&due).Error
		if err != nil {
			return err
		}
		for i := range due {
			due[i].Status = models.QueueProcessing
			due[i].ClaimToken = uuid.New().String()
			started := now
			due[i].ProcessingStartedAt = &started
			if err := tx.Model(&models.QueuedMessage{}).
				Where("id = ?", due[i].ID).
				Updates(map[string]interface{}{
					"status":                models.QueueProcessing,
					"claim_token":           due[i].ClaimToken,
					"processing_started_at": started,
				}).Error; err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	return claimed, err
}

// MarkProcessed records a successful replay.
func (s *Store) MarkProcessed(ctx context.Context, msg *models.QueuedMessage, result []byte) error {
	now := s.now()
	var elapsed int64
	if msg.ProcessingStartedAt != nil {
		elapsed = now.Sub(*msg.ProcessingStartedAt).Milliseconds()
	}
	return s.db.WithContext(ctx).Model(&models.QueuedMessage{}).
		Where("id = ? AND claim_token = ?", msg.ID, msg.ClaimToken).
		Updates(map[string]interface{}{
			"status":                  models.QueueProcessed,
			"result":                  datatypes.JSON(result),
			"processing_completed_at": now,
			"processing_time_ms":      elapsed,
			"claim_token":             "",
		}).Error
}

// MarkRetry reschedules a failed replay with jittered exponential
// backoff, or expires the message once the budget or the deadline is
// gone.
func (s *Store) MarkRetry(ctx context.Context, msg *models.QueuedMessage, base time.Duration, multiplier float64, reason string) error {
	msg.RetryCount++
	if msg.RetryCount >= msg.MaxRetries {
		return s.expire(ctx, msg, "retries exhausted: "+reason)
	}
	if msg.ExpiresAt != nil && s.now().After(*msg.ExpiresAt) {
		return s.expire(ctx, msg, "expired: "+reason)
	}
	wait := base
	for i := 1; i < msg.RetryCount; i++ {
		wait = time.Duration(float64(wait) * multiplier)
	}
	spread := 0.9 + s.rand.Float64()*0.2
	next := s.now().Add(time.Duration(float64(wait) * spread))
	return s.db.WithContext(ctx).Model(&models.QueuedMessage{}).
		Where("id = ? AND claim_token = ?", msg.ID, msg.ClaimToken).
		Updates(map[string]interface{}{
			"status":        models.QueueRetry,
			"retry_count":   msg.RetryCount,
			"next_retry_at": next,
			"error_detail":  reason,
			"claim_token":   "",
		}).Error
}

func (s *Store) expire(ctx context.Context, msg *models.QueuedMessage, reason string) error {
	s.logger.Warn("queued message expired",
		zap.String("message_id", msg.ID.String()),
		zap.String("service", msg.ServiceName),
		zap.String("reason", reason))
	return s.db.WithContext(ctx).Model(&models.QueuedMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"status":       models.QueueExpired,
			"error_detail": reason,
			"claim_token":  "",
		}).Error
}

// Cancel withdraws a message that has not completed.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.QueuedMessage{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.QueuedMessageStatus{models.QueueProcessed, models.QueueExpired, models.QueueCancelled}).
		Update("status", models.QueueCancelled).Error
}

// ReclaimStuck returns PROCESSING messages whose worker died to
// PENDING. cutoff bounds how long a claim may sit without completing.
func (s *Store) ReclaimStuck(ctx context.Context, cutoff time.Duration) (int64, error) {
	deadline := s.now().Add(-cutoff)
	res := s.db.WithContext(ctx).Model(&models.QueuedMessage{}).
		Where("status = ? AND processing_started_at < ?", models.QueueProcessing, deadline).
		Updates(map[string]interface{}{
			"status":      models.QueuePending,
			"claim_token": "",
		})
	return res.RowsAffected, res.Error
}
