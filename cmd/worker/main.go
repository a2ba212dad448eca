package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/app"
	"github.com/kranthikarthan/payment-engine/internal/config"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/queue"
	"github.com/kranthikarthan/payment-engine/internal/repair"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

func newEnqueuer(store *queue.Store) resilience.Enqueuer {
	return store
}

func startWorker(
	lc fx.Lifecycle,
	scheduler *repair.Scheduler,
	loop *queue.Loop,
	resolver *configres.Resolver,
	dispatcher *resilience.Dispatcher,
	bus eventbus.EventBus,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := resolver.WatchInvalidations(runCtx, bus); err != nil {
				logger.Warn("config invalidation watch unavailable", zap.Error(err))
			}
			if err := dispatcher.WatchInvalidations(runCtx, bus); err != nil {
				logger.Warn("breaker invalidation watch unavailable", zap.Error(err))
			}
			go scheduler.Start(runCtx)
			go loop.Start(runCtx)
			logger.Info("worker started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("worker stopping")
			cancel()
			return nil
		},
	})
}

func main() {
	fxApp := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Provide(
			config.Load,
			app.NewLogger,
			app.NewDatabase,
			app.NewEventBus,
			app.NewSecretSource,
			app.NewRegistry,
			app.NewDispatcherMetrics,
			app.NewQueueStore,
			newEnqueuer,
			app.NewDispatcher,
			app.NewResolver,
			app.NewMappingStore,
			app.NewMapper,
			app.NewAuthenticator,
			app.NewCoreBanking,
			app.NewRepairStore,
			app.NewRepairEngine,
			app.NewRepairScheduler,
			app.NewQueueLoop,
		),
		fx.Invoke(startWorker),
		fx.StopTimeout(30*time.Second),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start worker: %v\n", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop worker: %v\n", err)
		os.Exit(1)
	}
}
