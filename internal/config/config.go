package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all bootstrap configuration for the service. Business
// configuration (routing, resiliency, mappings) lives in the database
// and is resolved per call by the config resolver.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

// EngineConfig holds identities and downstream endpoints of the
// processing core.
type EngineConfig struct {
	BankCode              string  `mapstructure:"bank_code"`
	CoreBankingURL        string  `mapstructure:"core_banking_url"`
	FraudAPIURL           string  `mapstructure:"fraud_api_url"`
	ConfigCacheTTLSeconds int     `mapstructure:"config_cache_ttl_seconds"`
	RateLimitPerTenant    float64 `mapstructure:"rate_limit_per_tenant"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// RedisConfig holds event bus / cache configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VaultConfig holds secret store configuration.
type VaultConfig struct {
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	QueueBatchSize       int `mapstructure:"queue_batch_size"`
	QueuePollSeconds     int `mapstructure:"queue_poll_seconds"`
	QueueStuckCutoffSecs int `mapstructure:"queue_stuck_cutoff_seconds"`
	RepairBatchSize      int `mapstructure:"repair_batch_size"`
	RepairPollSeconds    int `mapstructure:"repair_poll_seconds"`
	SweepSeconds         int `mapstructure:"sweep_seconds"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "payment_engine")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("vault.mount_path", "secret")
	viper.SetDefault("worker.queue_batch_size", 50)
	viper.SetDefault("worker.queue_poll_seconds", 5)
	viper.SetDefault("worker.queue_stuck_cutoff_seconds", 300)
	viper.SetDefault("worker.repair_batch_size", 25)
	viper.SetDefault("worker.repair_poll_seconds", 10)
	viper.SetDefault("worker.sweep_seconds", 30)
	viper.SetDefault("engine.bank_code", "LOCAL")
	viper.SetDefault("engine.core_banking_url", "http://localhost:9090")
	viper.SetDefault("engine.fraud_api_url", "http://localhost:9091/v1/assess")
	viper.SetDefault("engine.config_cache_ttl_seconds", 60)
	viper.SetDefault("engine.rate_limit_per_tenant", 100)
	viper.SetDefault("engine.rate_limit_burst", 200)
	viper.SetDefault("log.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.port":       "SERVER_PORT",
		"server.host":       "SERVER_HOST",
		"database.host":     "DATABASE_HOST",
		"database.port":     "DATABASE_PORT",
		"database.name":     "DATABASE_NAME",
		"database.user":     "DATABASE_USER",
		"database.password": "DATABASE_PASSWORD",
		"redis.addr":        "REDIS_ADDR",
		"redis.password":    "REDIS_PASSWORD",
		"vault.addr":        "VAULT_ADDR",
		"vault.token":       "VAULT_TOKEN",
		"log.level":         "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
