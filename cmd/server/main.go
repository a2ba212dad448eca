package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/api"
	"github.com/kranthikarthan/payment-engine/internal/app"
	"github.com/kranthikarthan/payment-engine/internal/config"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/queue"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/transform"
)

func newEnqueuer(store *queue.Store) resilience.Enqueuer {
	return store
}

func newHTTPServer(cfg *config.Config, h *api.Handlers, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(h, registry, api.RouterConfig{
		RateLimitPerTenant: cfg.Engine.RateLimitPerTenant,
		RateLimitBurst:     cfg.Engine.RateLimitBurst,
	}, logger)
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
}

func startServer(
	lc fx.Lifecycle,
	srv *http.Server,
	resolver *configres.Resolver,
	dispatcher *resilience.Dispatcher,
	mappings *transform.Store,
	bus eventbus.EventBus,
	logger *zap.Logger,
) {
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := resolver.WatchInvalidations(watchCtx, bus); err != nil {
				logger.Warn("config invalidation watch unavailable", zap.Error(err))
			}
			if err := dispatcher.WatchInvalidations(watchCtx, bus); err != nil {
				logger.Warn("breaker invalidation watch unavailable", zap.Error(err))
			}
			if err := mappings.WatchInvalidations(watchCtx, bus); err != nil {
				logger.Warn("mapping invalidation watch unavailable", zap.Error(err))
			}
			go func() {
				logger.Info("http server starting", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWatch()
			logger.Info("http server stopping")
			return srv.Shutdown(ctx)
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
			app.NewClearing,
			app.NewFraudAPI,
			app.NewRouter,
			app.NewFraudGate,
			app.NewRepairStore,
			app.NewRepairEngine,
			app.NewOrchestrator,
			api.NewHandlers,
			newHTTPServer,
		),
		fx.Invoke(startServer),
		fx.StopTimeout(30*time.Second),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop server: %v\n", err)
		os.Exit(1)
	}
}
