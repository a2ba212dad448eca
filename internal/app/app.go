package app

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/config"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/fraud"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/orchestrator"
	"github.com/kranthikarthan/payment-engine/internal/queue"
	"github.com/kranthikarthan/payment-engine/internal/repair"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/routing"
	"github.com/kranthikarthan/payment-engine/internal/secrets"
	"github.com/kranthikarthan/payment-engine/internal/transform"
)

// NewLogger builds the process logger from config.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	return zcfg.Build()
}

// NewDatabase connects to postgres and migrates the schema.
func NewDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := db.AutoMigrate(
		&models.PaymentInstruction{},
		&models.ClearingSystem{},
		&models.Endpoint{},
		&models.TenantClearingMapping{},
		&models.ConfigEntry{},
		&models.PayloadMapping{},
		&models.FraudAssessment{},
		&models.QueuedMessage{},
		&models.RepairRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	logger.Info("database connection established")
	return db, nil
}

// NewEventBus builds the redis event bus.
func NewEventBus(cfg *config.Config, logger *zap.Logger) (eventbus.EventBus, error) {
	return eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
}

// NewSecretSource picks Vault when configured, otherwise an empty
// static source suitable for development.
func NewSecretSource(cfg *config.Config, logger *zap.Logger) (secrets.Source, error) {
	if cfg.Vault.Addr == "" {
		logger.Warn("no vault configured, using static secret source")
		return secrets.StaticSource{}, nil
	}
	return secrets.NewVaultSource(cfg.Vault.Addr, cfg.Vault.Token)
}

// NewRegistry builds the process-wide prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// NewDispatcherMetrics registers dispatcher instruments.
func NewDispatcherMetrics(registry *prometheus.Registry) *resilience.Metrics {
	return resilience.NewMetrics(registry)
}

// NewDispatcher wires the dispatcher over the fallback queue.
func NewDispatcher(enqueuer resilience.Enqueuer, metrics *resilience.Metrics, logger *zap.Logger) *resilience.Dispatcher {
	return resilience.NewDispatcher(enqueuer, metrics, logger)
}

// NewResolver builds the config resolver.
func NewResolver(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *configres.Resolver {
	ttl := time.Duration(cfg.Engine.ConfigCacheTTLSeconds) * time.Second
	return configres.NewResolver(db, ttl, logger)
}

// NewMappingStore builds the payload mapping store.
func NewMappingStore(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *transform.Store {
	ttl := time.Duration(cfg.Engine.ConfigCacheTTLSeconds) * time.Second
	return transform.NewStore(db, ttl, logger)
}

// NewMapper builds the payload mapper with process defaults.
func NewMapper(logger *zap.Logger) *transform.Mapper {
	return transform.NewMapper(transform.Env{}, logger)
}

// NewAuthenticator builds the downstream authenticator.
func NewAuthenticator(src secrets.Source) *adapters.Authenticator {
	return adapters.NewAuthenticator(src)
}

// NewCoreBanking builds the ledger adapter.
func NewCoreBanking(cfg *config.Config, dispatcher *resilience.Dispatcher, auth *adapters.Authenticator, logger *zap.Logger) *adapters.CoreBankingAdapter {
	return adapters.NewCoreBankingAdapter(dispatcher, cfg.Engine.CoreBankingURL, auth, models.AuthNone, nil, logger)
}

// NewClearing builds the clearing transport.
func NewClearing(dispatcher *resilience.Dispatcher, auth *adapters.Authenticator, logger *zap.Logger) *adapters.ClearingAdapter {
	return adapters.NewClearingAdapter(dispatcher, auth, logger)
}

// NewFraudAPI builds the fraud transport.
func NewFraudAPI(cfg *config.Config, dispatcher *resilience.Dispatcher, auth *adapters.Authenticator, logger *zap.Logger) *adapters.FraudAPIAdapter {
	return adapters.NewFraudAPIAdapter(dispatcher, cfg.Engine.FraudAPIURL, auth, models.AuthNone, nil, logger)
}

// NewRouter builds the routing decider, backed by the ledger's account
// directory for accounts without a bank-code prefix.
func NewRouter(cfg *config.Config, db *gorm.DB, corebank *adapters.CoreBankingAdapter, logger *zap.Logger) *routing.Router {
	return routing.NewRouter(db, cfg.Engine.BankCode, corebank, logger)
}

// NewFraudGate builds the fraud gate.
func NewFraudGate(db *gorm.DB, resolver *configres.Resolver, mapper *transform.Mapper, mappings *transform.Store, api *adapters.FraudAPIAdapter, logger *zap.Logger) *fraud.Gate {
	return fraud.NewGate(db, resolver, mapper, mappings, api, logger)
}

// NewRepairStore builds the repair store.
func NewRepairStore(db *gorm.DB, logger *zap.Logger) *repair.Store {
	return repair.NewStore(db, logger)
}

// NewRepairEngine builds the repair engine.
func NewRepairEngine(db *gorm.DB, store *repair.Store, corebank *adapters.CoreBankingAdapter, resolver *configres.Resolver, bus eventbus.EventBus, logger *zap.Logger) *repair.Engine {
	return repair.NewEngine(db, store, corebank, resolver, bus, logger)
}

// NewRepairScheduler builds the repair loop.
func NewRepairScheduler(cfg *config.Config, store *repair.Store, engine *repair.Engine, logger *zap.Logger) *repair.Scheduler {
	return repair.NewScheduler(store, engine, repair.SchedulerConfig{
		PollInterval:  time.Duration(cfg.Worker.RepairPollSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Worker.SweepSeconds) * time.Second,
		BatchSize:     cfg.Worker.RepairBatchSize,
	}, logger)
}

// NewQueueStore builds the queued-message store.
func NewQueueStore(db *gorm.DB, logger *zap.Logger) *queue.Store {
	return queue.NewStore(db, logger)
}

// NewQueueLoop builds the replay loop.
func NewQueueLoop(cfg *config.Config, store *queue.Store, dispatcher *resilience.Dispatcher, logger *zap.Logger) *queue.Loop {
	return queue.NewLoop(store, dispatcher, queue.LoopConfig{
		PollInterval: time.Duration(cfg.Worker.QueuePollSeconds) * time.Second,
		StuckCutoff:  time.Duration(cfg.Worker.QueueStuckCutoffSecs) * time.Second,
		BatchSize:    cfg.Worker.QueueBatchSize,
	}, logger)
}

// NewOrchestrator wires the payment orchestrator.
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
) *orchestrator.Orchestrator {
	return orchestrator.NewOrchestrator(db, resolver, mappings, mapper, router, gate, corebank, clearing, repairs, bus, logger)
}
