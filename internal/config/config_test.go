package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const sampleYAML = `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
platforms:
  reddit:
    enabled: true
    primary_endpoint: search
    pacing_rps: 2
    pacing_burst: 1
    endpoints:
      search:
        limit: 100
        window: 1m
      comments:
        limit: 60
        window: 1m
    job_types:
      keyword_search:
        interval: 15m
      trending:
        interval: 1h
  twitter:
    enabled: false
    primary_endpoint: recent
    endpoints:
      recent:
        limit: 450
        window: 15m
    job_types:
      keyword_search:
        interval: 5m
rules:
  - id: outage
    name: Outage watch
    keywords: ["outage", "down"]
    platforms: ["reddit"]
    priority: critical
    max_posts_per_hour: 120
    crawl_interval_minutes: 5
    active: true
scheduler:
  circuit_threshold: 5
  failure_backoff_initial: 30s
  failure_backoff_max: 10m
pools:
  batch:
    concurrency: 2
storage:
  backend: postgres
  dsn: postgres://localhost/orchestrator
ratelimit:
  backend: redis
  redis:
    addr: localhost:6379
trigger:
  batch_spec: "0 3 * * *"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scheduler.CircuitThreshold != 5 || cfg.Scheduler.FailureBackoffInitial != 30*time.Second {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Pools.Batch.Concurrency != 2 || cfg.Pools.Batch.QueueDepth != 256 {
		t.Fatalf("expected batch pool override merged with defaults: %+v", cfg.Pools.Batch)
	}
	if cfg.Pools.Standard.Concurrency != 4 {
		t.Fatalf("expected default standard concurrency, got %d", cfg.Pools.Standard.Concurrency)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.RateLimit.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected backend overrides: %+v %+v", cfg.Storage, cfg.RateLimit)
	}
	if cfg.Trigger.BatchSpec != "0 3 * * *" || cfg.Trigger.ScheduledSpec != "@every 1m" {
		t.Fatalf("unexpected trigger config: %+v", cfg.Trigger)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Priority != crawler.PriorityCritical || !cfg.Rules[0].Active {
		t.Fatalf("expected rule to be loaded: %+v", cfg.Rules)
	}
	if got := cfg.ProgressBatchWait(); got != 500*time.Millisecond {
		t.Fatalf("expected batch wait 500ms, got %v", got)
	}
}

func TestRecoveryDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.CircuitCooldown != 30*time.Minute {
		t.Fatalf("expected circuit cooldown 30m, got %v", cfg.Scheduler.CircuitCooldown)
	}
	if cfg.Trigger.ReclaimSpec != "@every 1m" {
		t.Fatalf("expected reclaim spec @every 1m, got %q", cfg.Trigger.ReclaimSpec)
	}
	if got := cfg.StaleRunAfter(); got != 6*time.Minute {
		t.Fatalf("expected stale-after derived from unit timeout (6m), got %v", got)
	}
	cfg.Worker.StaleAfter = 20 * time.Minute
	if got := cfg.StaleRunAfter(); got != 20*time.Minute {
		t.Fatalf("expected explicit stale-after 20m, got %v", got)
	}

	bare, err := Load(writeConfig(t, "platforms:\n  reddit:\n    enabled: true\n    primary_endpoint: search\n"+
		"    endpoints:\n      search:\n        limit: 10\n        window: 1m\n"+
		"    job_types:\n      keyword_search:\n        interval: 15m\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if bare.Scheduler.CircuitThreshold != 4 {
		t.Fatalf("expected default circuit threshold 4, got %d", bare.Scheduler.CircuitThreshold)
	}
}

func TestCatalogConversion(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}

	if got := len(catalog.Platforms()); got != 2 {
		t.Fatalf("expected 2 platforms, got %d", got)
	}
	if got := len(catalog.Enabled()); got != 1 {
		t.Fatalf("expected 1 enabled platform, got %d", got)
	}
	ep, ok := catalog.Endpoint("reddit", "comments")
	if !ok || ep.Limit != 60 || ep.Window != time.Minute {
		t.Fatalf("unexpected comments endpoint: %+v ok=%v", ep, ok)
	}
	interval, ok := catalog.Interval(crawler.JobKey{Platform: "reddit", JobType: "trending"})
	if !ok || interval != time.Hour {
		t.Fatalf("expected trending interval 1h, got %v ok=%v", interval, ok)
	}
	if keys := catalog.Keys(); len(keys) != 2 {
		t.Fatalf("expected 2 enabled keys, got %v", keys)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SERVER_PORT", "7070")
	t.Setenv("ORCHESTRATOR_WORKER_UNIT_TIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Worker.UnitTimeout != 90*time.Second {
		t.Fatalf("expected env unit timeout 90s, got %v", cfg.Worker.UnitTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsUnknownRulePlatform(t *testing.T) {
	t.Parallel()

	body := strings.Replace(sampleYAML, `platforms: ["reddit"]`, `platforms: ["myspace"]`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !crawler.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.APIKey = "" }, "auth.api_key"},
		{"no platforms", func(c *Config) { c.Platforms = nil }, "platforms"},
		{"circuit threshold", func(c *Config) { c.Scheduler.CircuitThreshold = 0 }, "scheduler.circuit_threshold"},
		{"circuit cooldown", func(c *Config) { c.Scheduler.CircuitCooldown = 0 }, "scheduler.circuit_cooldown"},
		{"stale after within unit timeout", func(c *Config) { c.Worker.StaleAfter = time.Minute }, "worker.stale_after"},
		{"backoff max below initial", func(c *Config) { c.Scheduler.FailureBackoffMax = time.Second }, "scheduler.failure_backoff_max"},
		{"batch concurrency", func(c *Config) { c.Pools.Batch.Concurrency = 0 }, "pools.batch.concurrency"},
		{"unit timeout", func(c *Config) { c.Worker.UnitTimeout = 0 }, "worker.unit_timeout"},
		{"unknown runner", func(c *Config) { c.Worker.Runner = "selenium" }, "worker.runner"},
		{"postgres without dsn", func(c *Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"redis without addr", func(c *Config) { c.RateLimit.Redis.Addr = "" }, "ratelimit.redis.addr"},
		{"bad sample ratio", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRatio = 2
		}, "telemetry.sample_ratio"},
		{"bad endpoint limit", func(c *Config) {
			p := c.Platforms["twitter"]
			p.Endpoints = map[string]EndpointConfig{"recent": {Limit: 0, Window: time.Minute}}
			c.Platforms = map[string]PlatformConfig{"twitter": p}
			c.Rules = nil
		}, "limit must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Platforms = make(map[string]PlatformConfig, len(base.Platforms))
			for k, v := range base.Platforms {
				cfg.Platforms[k] = v
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
