package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

// LoopConfig sizes the replay loop.
type LoopConfig struct {
	PollInterval    time.Duration
	ReclaimEvery    time.Duration
	StuckCutoff     time.Duration
	BatchSize       int
	RetryBase       time.Duration
	RetryMultiplier float64
}

// Loop drains the queued-message table: claim a batch, replay each
// call through the dispatcher, and settle the row. Retrying is the
// loop's own job, so replays run single-attempt with fallback off; a
// failed replay must never enqueue a copy of itself.
type Loop struct {
	store      *Store
	dispatcher *resilience.Dispatcher
	cfg        LoopConfig
	logger     *zap.Logger
}

// NewLoop creates the queue replay loop.
func NewLoop(store *Store, dispatcher *resilience.Dispatcher, cfg LoopConfig, logger *zap.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = time.Minute
	}
	if cfg.StuckCutoff <= 0 {
		cfg.StuckCutoff = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = 2.0
	}
	return &Loop{store: store, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Start runs until the context is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("starting queue loop",
		zap.Duration("poll_interval", l.cfg.PollInterval),
		zap.Int("batch_size", l.cfg.BatchSize))

	poll := time.NewTicker(l.cfg.PollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(l.cfg.ReclaimEvery)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("queue loop stopped")
			return nil
		case <-poll.C:
			l.drainBatch(ctx)
		case <-reclaim.C:
			if n, err := l.store.ReclaimStuck(ctx, l.cfg.StuckCutoff); err != nil {
				l.logger.Error("failed to reclaim stuck messages", zap.Error(err))
			} else if n > 0 {
				l.logger.Warn("reclaimed stuck messages", zap.Int64("count", n))
			}
		}
	}
}

func (l *Loop) drainBatch(ctx context.Context) {
	batch, err := l.store.ClaimBatch(ctx, l.cfg.BatchSize)
	if err != nil {
		l.logger.Error("failed to claim queue batch", zap.Error(err))
		return
	}
	for i := range batch {
		l.replay(ctx, &batch[i])
	}
}

// replay executes one claimed message.
func (l *Loop) replay(ctx context.Context, msg *models.QueuedMessage) {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		if err := json.Unmarshal(msg.Headers, &headers); err != nil {
			l.logger.Error("undecodable headers on queued message",
				zap.String("message_id", msg.ID.String()), zap.Error(err))
			if err := l.store.MarkRetry(ctx, msg, l.cfg.RetryBase, l.cfg.RetryMultiplier, "bad headers"); err != nil {
				l.logger.Error("failed to settle queued message", zap.Error(err))
			}
			return
		}
	}
	var body interface{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			body = []byte(msg.Payload)
		}
	}

	settings := resilience.DefaultSettings()
	settings.MaxAttempts = 1
	settings.Fallback = resilience.FallbackPropagate

	res, err := l.dispatcher.Execute(ctx, resilience.Call{
		Service:       msg.ServiceName,
		Tenant:        msg.TenantID,
		Method:        msg.HTTPMethod,
		URL:           msg.URL,
		Headers:       headers,
		Body:          body,
		MessageType:   msg.MessageType,
		CorrelationID: msg.CorrelationID,
	}, settings)

	switch {
	case err == nil:
		if mErr := l.store.MarkProcessed(ctx, msg, res.Body); mErr != nil {
			l.logger.Error("failed to mark message processed",
				zap.String("message_id", msg.ID.String()), zap.Error(mErr))
			return
		}
		l.logger.Info("queued message replayed",
			zap.String("message_id", msg.ID.String()),
			zap.String("service", msg.ServiceName))
	case payerr.IsRetryable(err):
		if mErr := l.store.MarkRetry(ctx, msg, l.cfg.RetryBase, l.cfg.RetryMultiplier, payerr.CodeOf(err)); mErr != nil {
			l.logger.Error("failed to reschedule message",
				zap.String("message_id", msg.ID.String()), zap.Error(mErr))
		}
	default:
		// A definitive downstream verdict ends the replay for good.
		if mErr := l.store.expire(ctx, msg, payerr.CodeOf(err)); mErr != nil {
			l.logger.Error("failed to expire message",
				zap.String("message_id", msg.ID.String()), zap.Error(mErr))
		}
	}
}
