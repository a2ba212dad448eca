package repair

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig sizes the repair loop.
type SchedulerConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

// Scheduler drives the automatic repair loop: claim due records, let
// the engine act, and periodically sweep timed-out repairs up to the
// surface.
type Scheduler struct {
	store  *Store
	engine *Engine
	cfg    SchedulerConfig
	logger *zap.Logger
}

// NewScheduler creates the repair scheduler.
func NewScheduler(store *Store, engine *Engine, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Scheduler{store: store, engine: engine, cfg: cfg, logger: logger}
}

// Start runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting repair scheduler",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize))

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("repair scheduler stopped")
			return nil
		case <-poll.C:
			s.processBatch(ctx)
		case <-sweep.C:
			if n, err := s.store.Sweep(ctx); err != nil {
				s.logger.Error("repair sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("swept timed-out repairs", zap.Int("count", n))
			}
		}
	}
}

func (s *Scheduler) processBatch(ctx context.Context) {
	batch, err := s.store.PickNextBatch(ctx, "", s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to pick repair batch", zap.Error(err))
		return
	}
	for i := range batch {
		s.engine.ProcessAutomatic(ctx, &batch[i])
	}
}
