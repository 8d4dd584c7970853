package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory backend by default, got %q", cfg.Storage.Backend)
	}
	if cfg.Crawler.LeaseTTL != 2*time.Hour {
		t.Fatalf("expected 2h lease ttl, got %v", cfg.Crawler.LeaseTTL)
	}
	if cfg.Crawler.FinalizeRetries != 3 {
		t.Fatalf("expected 3 finalize retries, got %d", cfg.Crawler.FinalizeRetries)
	}
	if cfg.HTTP.MaxRetries != 3 || cfg.BackoffMax() != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.HTTP)
	}
	if cfg.PubSub.Event != "price.changed" {
		t.Fatalf("unexpected event name %q", cfg.PubSub.Event)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
upstream:
  base_url: https://prices.example.gob
  prices_path: /v2/prices
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
crawler:
  concurrency: 6
  short_circuit_threshold: 3
  max_run_errors: 20
  lease_ttl: 30m
  schedule: "0 */6 * * *"
storage:
  backend: sqlite
  sqlite_path: /var/lib/fuel/crawler.db
webhook:
  url: https://hooks.example.com/runs
  secret: s3cret
  max_errors: 10
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Upstream.BaseURL != "https://prices.example.gob" || cfg.Upstream.PricesPath != "/v2/prices" {
		t.Fatalf("expected upstream overrides, got %+v", cfg.Upstream)
	}
	if cfg.Upstream.RegionsPath != "/api/regions" {
		t.Fatalf("expected default regions path to survive, got %q", cfg.Upstream.RegionsPath)
	}
	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.ShortCircuitThreshold != 3 || cfg.Crawler.LeaseTTL != 30*time.Minute {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.Schedule != "0 */6 * * *" {
		t.Fatalf("unexpected schedule %q", cfg.Crawler.Schedule)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.SQLitePath != "/var/lib/fuel/crawler.db" {
		t.Fatalf("expected sqlite storage: %+v", cfg.Storage)
	}
	if got := cfg.CallTimeout(); got != 45*time.Second {
		t.Fatalf("expected call timeout 45s, got %v", got)
	}
	if got := cfg.BackoffInitial(); got != 100*time.Millisecond {
		t.Fatalf("expected initial backoff 100ms, got %v", got)
	}
	if cfg.Webhook.MaxErrors != 10 {
		t.Fatalf("expected webhook max errors 10, got %d", cfg.Webhook.MaxErrors)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FUELCRAWLER_STORAGE_BACKEND", "postgres")
	t.Setenv("FUELCRAWLER_DB_DSN", "postgres://fuel@localhost/fuel")
	t.Setenv("FUELCRAWLER_CRAWLER_CONCURRENCY", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.DB.DSN != "postgres://fuel@localhost/fuel" {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Storage, cfg.DB)
	}
	if cfg.Crawler.Concurrency != 2 {
		t.Fatalf("expected concurrency 2, got %d", cfg.Crawler.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Upstream: UpstreamConfig{BaseURL: "https://prices.example.gob"},
		Crawler:  CrawlerConfig{Concurrency: 1, LeaseTTL: time.Hour},
		HTTP:     HTTPConfig{TimeoutSeconds: 10, BackoffInitialMs: 100, BackoffMaxMs: 1000},
		Storage:  StorageConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid base url", func(c *Config) { c.Upstream.BaseURL = "not a url" }, "upstream.base_url"},
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"negative threshold", func(c *Config) { c.Crawler.ShortCircuitThreshold = -1 }, "crawler.short_circuit_threshold"},
		{"zero lease", func(c *Config) { c.Crawler.LeaseTTL = 0 }, "crawler.lease_ttl"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"inverted backoff", func(c *Config) { c.HTTP.BackoffMaxMs = 10 }, "http.backoff_max_ms"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "db.dsn"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = BackendSQLite }, "storage.sqlite_path"},
		{"pubsub without topic", func(c *Config) { c.PubSub.ProjectID = "proj" }, "pubsub.topic_name"},
		{"webhook without secret", func(c *Config) { c.Webhook.URL = "https://hooks.example.com" }, "webhook.secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
