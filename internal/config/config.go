package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	StatusCache StatusCacheConfig `mapstructure:"status_cache"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds the primary store connection. Driver is "postgres"
// in every deployed environment; "sqlite" is accepted only for running the
// service locally against an in-memory database with no external
// dependencies (Name is then a sqlite file or "file::memory:?cache=shared").
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds the shared Redis connection used by idempotency,
// circuit breaker state, and the status cache. Webhook rate limiting is
// in-process and does not use Redis.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VaultConfig holds the transit-engine connection used for provider
// credential encryption at rest.
type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	TransitKey string `mapstructure:"transit_key"`
}

// ProviderTuning holds per-provider resilience knobs.
type ProviderTuning struct {
	TimeoutSeconds        int     `mapstructure:"timeout_seconds"`
	MaxRetries            int     `mapstructure:"max_retries"`
	BreakerFailureThreshold int   `mapstructure:"breaker_failure_threshold"`
	BreakerOpenSeconds     int    `mapstructure:"breaker_open_seconds"`
	RateLimitPerSecond     float64 `mapstructure:"rate_limit_per_second"`
}

// ProvidersConfig holds resilience tuning per payment provider name.
type ProvidersConfig struct {
	Default ProviderTuning            `mapstructure:"default"`
	Stripe  ProviderTuning            `mapstructure:"stripe"`
	PayPal  ProviderTuning            `mapstructure:"paypal"`
	Omise   ProviderTuning            `mapstructure:"omise"`
	SCB     ProviderTuning            `mapstructure:"scb"`
}

// WebhookConfig holds webhook ingestion and processing knobs.
type WebhookConfig struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	QueueSize          int `mapstructure:"queue_size"`
	Workers            int `mapstructure:"workers"`
	RetentionDays      int `mapstructure:"retention_days"`
}

// IdempotencyConfig holds idempotency lock/result TTLs.
type IdempotencyConfig struct {
	LockTTLSeconds   int `mapstructure:"lock_ttl_seconds"`
	ResultTTLSeconds int `mapstructure:"result_ttl_seconds"`
}

// StatusCacheConfig holds the two-tier status cache's TTLs.
type StatusCacheConfig struct {
	ActiveTTLSeconds   int `mapstructure:"active_ttl_seconds"`
	TerminalTTLSeconds int `mapstructure:"terminal_ttl_seconds"`
}

// ReconciliationConfig holds the scheduled reconciliation job's tuning.
type ReconciliationConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	StaleAfterSeconds int `mapstructure:"stale_after_seconds"`
	BatchSize         int `mapstructure:"batch_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (p ProviderTuning) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p ProviderTuning) BreakerOpenDuration() time.Duration {
	return time.Duration(p.BreakerOpenSeconds) * time.Second
}

func (w WebhookConfig) RetentionDuration() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

func (i IdempotencyConfig) LockTTL() time.Duration {
	return time.Duration(i.LockTTLSeconds) * time.Second
}

func (i IdempotencyConfig) ResultTTL() time.Duration {
	return time.Duration(i.ResultTTLSeconds) * time.Second
}

func (s StatusCacheConfig) ActiveTTL() time.Duration {
	return time.Duration(s.ActiveTTLSeconds) * time.Second
}

func (s StatusCacheConfig) TerminalTTL() time.Duration {
	return time.Duration(s.TerminalTTLSeconds) * time.Second
}

func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r ReconciliationConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

// Load populates viper's defaults, reads an optional config file, binds
// environment variable overrides, and returns the resolved configuration.
func Load() (*Config, error) {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "0.0.0.0")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "payment_orchestrator")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("vault.address", "")
	viper.SetDefault("vault.token", "")
	viper.SetDefault("vault.transit_key", "payment-provider-credentials")

	viper.SetDefault("providers.default.timeout_seconds", 10)
	viper.SetDefault("providers.default.max_retries", 3)
	viper.SetDefault("providers.default.breaker_failure_threshold", 5)
	viper.SetDefault("providers.default.breaker_open_seconds", 30)
	viper.SetDefault("providers.default.rate_limit_per_second", 50)

	viper.SetDefault("webhook.rate_limit_per_minute", 600)
	viper.SetDefault("webhook.queue_size", 256)
	viper.SetDefault("webhook.workers", 8)
	viper.SetDefault("webhook.retention_days", 90)

	viper.SetDefault("idempotency.lock_ttl_seconds", 30)
	viper.SetDefault("idempotency.result_ttl_seconds", 86400)

	viper.SetDefault("status_cache.active_ttl_seconds", 60)
	viper.SetDefault("status_cache.terminal_ttl_seconds", 3600)

	viper.SetDefault("reconciliation.interval_seconds", 300)
	viper.SetDefault("reconciliation.stale_after_seconds", 600)
	viper.SetDefault("reconciliation.batch_size", 100)

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
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, bind := range []struct{ key, env string }{
		{"server.port", "SERVER_PORT"},
		{"server.host", "SERVER_HOST"},
		{"database.driver", "DATABASE_DRIVER"},
		{"database.host", "DATABASE_HOST"},
		{"database.port", "DATABASE_PORT"},
		{"database.name", "DATABASE_NAME"},
		{"database.user", "DATABASE_USER"},
		{"database.password", "DATABASE_PASSWORD"},
		{"database.ssl_mode", "DATABASE_SSL_MODE"},
		{"redis.address", "REDIS_ADDRESS"},
		{"redis.password", "REDIS_PASSWORD"},
		{"vault.address", "VAULT_ADDR"},
		{"vault.token", "VAULT_TOKEN"},
		{"vault.transit_key", "VAULT_TRANSIT_KEY"},
		{"webhook.rate_limit_per_minute", "WEBHOOK_RATE_LIMIT_PER_MINUTE"},
		{"log.level", "LOG_LEVEL"},
	} {
		if err := viper.BindEnv(bind.key, bind.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", bind.env, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyProviderDefaults(&cfg)
	return &cfg, nil
}

// applyProviderDefaults backfills a zero-value per-provider override with
// the shared default tuning, so config files only need to override what
// they actually want to change.
func applyProviderDefaults(cfg *Config) {
	def := cfg.Providers.Default
	for _, p := range []*ProviderTuning{&cfg.Providers.Stripe, &cfg.Providers.PayPal, &cfg.Providers.Omise, &cfg.Providers.SCB} {
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = def.TimeoutSeconds
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = def.MaxRetries
		}
		if p.BreakerFailureThreshold == 0 {
			p.BreakerFailureThreshold = def.BreakerFailureThreshold
		}
		if p.BreakerOpenSeconds == 0 {
			p.BreakerOpenSeconds = def.BreakerOpenSeconds
		}
		if p.RateLimitPerSecond == 0 {
			p.RateLimitPerSecond = def.RateLimitPerSecond
		}
	}
}
