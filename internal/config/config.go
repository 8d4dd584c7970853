// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FUELCRAWLER_DB_DSN.
const EnvPrefix = "FUELCRAWLER"

// Storage backends accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UpstreamConfig locates the price-reporting API.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	RegionsPath    string `mapstructure:"regions_path"`
	SubRegionsPath string `mapstructure:"subregions_path"`
	PricesPath     string `mapstructure:"prices_path"`
	UserAgent      string `mapstructure:"user_agent"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	MaxRetries           int `mapstructure:"max_retries"`
	BackoffInitialMs     int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int `mapstructure:"backoff_max_ms"`
	MaxRetryAfterSeconds int `mapstructure:"max_retry_after_seconds"`
}

// RateLimitConfig paces requests per upstream host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CrawlerConfig governs the run orchestration.
type CrawlerConfig struct {
	Concurrency           int           `mapstructure:"concurrency"`
	QueueDepth            int           `mapstructure:"queue_depth"`
	ShortCircuitThreshold int           `mapstructure:"short_circuit_threshold"`
	MaxRunErrors          int           `mapstructure:"max_run_errors"`
	LeaseTTL              time.Duration `mapstructure:"lease_ttl"`
	FinalizeTimeout       time.Duration `mapstructure:"finalize_timeout"`
	FinalizeRetries       int           `mapstructure:"finalize_retries"`
	StationCacheSize      int           `mapstructure:"station_cache_size"`
	StationCacheTTL       time.Duration `mapstructure:"station_cache_ttl"`
	// Schedule is a cron spec for `serve`; empty disables scheduled runs.
	Schedule string `mapstructure:"schedule"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig configures change event publishing. An empty project keeps
// events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Event     string `mapstructure:"event"`
}

// WebhookConfig configures the completion notifier.
type WebhookConfig struct {
	URL       string `mapstructure:"url"`
	Secret    string `mapstructure:"secret"`
	MaxErrors int    `mapstructure:"max_errors"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("upstream.base_url", "http://localhost:9000")
	v.SetDefault("upstream.regions_path", "/api/regions")
	v.SetDefault("upstream.subregions_path", "/api/subregions")
	v.SetDefault("upstream.prices_path", "/api/prices")
	v.SetDefault("upstream.user_agent", "fuel-price-crawler/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_retry_after_seconds", 60)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 16)
	v.SetDefault("crawler.short_circuit_threshold", 5)
	v.SetDefault("crawler.max_run_errors", 200)
	v.SetDefault("crawler.lease_ttl", "2h")
	v.SetDefault("crawler.finalize_timeout", "1m")
	v.SetDefault("crawler.finalize_retries", 3)
	v.SetDefault("crawler.station_cache_size", 20000)
	v.SetDefault("crawler.station_cache_ttl", "6h")
	v.SetDefault("crawler.schedule", "")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "fuelcrawler.db")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.event", "price.changed")
	v.SetDefault("webhook.max_errors", 50)
	v.SetDefault("tracing.service_name", "fuel-price-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url is invalid: %w", err)
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.ShortCircuitThreshold < 0 {
		return fmt.Errorf("crawler.short_circuit_threshold must be >= 0")
	}
	if c.Crawler.LeaseTTL <= 0 {
		return fmt.Errorf("crawler.lease_ttl must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		return fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set when storage.backend is sqlite")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres, sqlite", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Webhook.URL != "" && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret must be set when webhook.url is set")
	}
	return nil
}

// CallTimeout is the per-attempt bound on upstream calls.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// MaxRetryAfter caps server-provided Retry-After hints.
func (c Config) MaxRetryAfter() time.Duration {
	return time.Duration(c.HTTP.MaxRetryAfterSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown of the ops server.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
