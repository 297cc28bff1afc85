// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/rules"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
	Rules     []crawler.KeywordRule     `mapstructure:"rules"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Pools     PoolsConfig               `mapstructure:"pools"`
	Worker    WorkerConfig              `mapstructure:"worker"`
	Storage   StorageConfig             `mapstructure:"storage"`
	RateLimit RateLimitConfig           `mapstructure:"ratelimit"`
	Trigger   TriggerConfig             `mapstructure:"trigger"`
	Progress  ProgressConfig            `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PlatformConfig describes one external platform.
type PlatformConfig struct {
	Enabled         bool                      `mapstructure:"enabled"`
	PrimaryEndpoint string                    `mapstructure:"primary_endpoint"`
	PacingRPS       float64                   `mapstructure:"pacing_rps"`
	PacingBurst     int                       `mapstructure:"pacing_burst"`
	Endpoints       map[string]EndpointConfig `mapstructure:"endpoints"`
	JobTypes        map[string]JobTypeConfig  `mapstructure:"job_types"`
}

// EndpointConfig is the quota of one rate-limited endpoint.
type EndpointConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// JobTypeConfig sets the cadence of one job type.
type JobTypeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig tunes dispatch decisions and failure handling.
type SchedulerConfig struct {
	CircuitThreshold      int           `mapstructure:"circuit_threshold"`
	CircuitCooldown       time.Duration `mapstructure:"circuit_cooldown"`
	ErrorWindowHours      float64       `mapstructure:"error_window_hours"`
	HistogramSize         int           `mapstructure:"histogram_size"`
	FailureBackoffInitial time.Duration `mapstructure:"failure_backoff_initial"`
	FailureBackoffMax     time.Duration `mapstructure:"failure_backoff_max"`
}

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// PoolsConfig sizes the standard and batch pools.
type PoolsConfig struct {
	Standard PoolConfig `mapstructure:"standard"`
	Batch    PoolConfig `mapstructure:"batch"`
}

// WorkerConfig governs unit execution.
type WorkerConfig struct {
	UnitTimeout time.Duration `mapstructure:"unit_timeout"`
	Runner      string        `mapstructure:"runner"`
	NoopDelay   time.Duration `mapstructure:"noop_delay"`
	// StaleAfter is how long a run may stay running before it is reclaimed as
	// abandoned. Zero derives it from UnitTimeout.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	SeedRules       bool          `mapstructure:"seed_rules"`
	WarmupHours     float64       `mapstructure:"warmup_hours"`
}

// RateLimitConfig selects the rate-limit window backend.
type RateLimitConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig points at the shared Redis instance.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TriggerConfig holds the cron specs of the periodic trigger.
type TriggerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ScheduledSpec  string        `mapstructure:"scheduled_spec"`
	BatchSpec      string        `mapstructure:"batch_spec"`
	HealthSpec     string        `mapstructure:"health_spec"`
	CompactionSpec string        `mapstructure:"compaction_spec"`
	ReclaimSpec    string        `mapstructure:"reclaim_spec"`
	Retention      time.Duration `mapstructure:"retention"`
}

// ProgressConfig controls the unit lifecycle event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds one sink batch.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// Storage and rate-limit backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	RunnerNoop      = "noop"
)

const staleRunMargin = time.Minute

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCHESTRATOR")
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-orchestrator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("scheduler.circuit_threshold", 4)
	v.SetDefault("scheduler.circuit_cooldown", "30m")
	v.SetDefault("scheduler.error_window_hours", 24)
	v.SetDefault("scheduler.histogram_size", 10)
	v.SetDefault("scheduler.failure_backoff_initial", "1m")
	v.SetDefault("scheduler.failure_backoff_max", "30m")
	v.SetDefault("pools.standard.concurrency", 4)
	v.SetDefault("pools.standard.queue_depth", 64)
	v.SetDefault("pools.batch.concurrency", 1)
	v.SetDefault("pools.batch.queue_depth", 256)
	v.SetDefault("worker.unit_timeout", "5m")
	v.SetDefault("worker.runner", RunnerNoop)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.min_conns", 1)
	v.SetDefault("storage.max_conn_lifetime", "30m")
	v.SetDefault("storage.seed_rules", true)
	v.SetDefault("storage.warmup_hours", 24)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.redis.key_prefix", "orchestrator:ratelimit")
	v.SetDefault("ratelimit.redis.dial_timeout", "5s")
	v.SetDefault("ratelimit.redis.read_timeout", "3s")
	v.SetDefault("ratelimit.redis.write_timeout", "3s")
	v.SetDefault("trigger.enabled", true)
	v.SetDefault("trigger.scheduled_spec", "@every 1m")
	v.SetDefault("trigger.health_spec", "@every 1m")
	v.SetDefault("trigger.compaction_spec", "@hourly")
	v.SetDefault("trigger.reclaim_spec", "@every 1m")
	v.SetDefault("trigger.retention", "168h")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("platforms must define at least one platform")
	}
	if c.Scheduler.CircuitThreshold <= 0 {
		return fmt.Errorf("scheduler.circuit_threshold must be > 0")
	}
	if c.Scheduler.CircuitCooldown <= 0 {
		return fmt.Errorf("scheduler.circuit_cooldown must be > 0")
	}
	if c.Worker.StaleAfter < 0 {
		return fmt.Errorf("worker.stale_after must be >= 0")
	}
	if c.Worker.StaleAfter > 0 && c.Worker.StaleAfter <= c.Worker.UnitTimeout {
		return fmt.Errorf("worker.stale_after must be > worker.unit_timeout")
	}
	if c.Scheduler.ErrorWindowHours <= 0 {
		return fmt.Errorf("scheduler.error_window_hours must be > 0")
	}
	if c.Scheduler.FailureBackoffInitial <= 0 {
		return fmt.Errorf("scheduler.failure_backoff_initial must be > 0")
	}
	if c.Scheduler.FailureBackoffMax < c.Scheduler.FailureBackoffInitial {
		return fmt.Errorf("scheduler.failure_backoff_max must be >= scheduler.failure_backoff_initial")
	}
	for name, p := range map[string]PoolConfig{"standard": c.Pools.Standard, "batch": c.Pools.Batch} {
		if p.Concurrency <= 0 {
			return fmt.Errorf("pools.%s.concurrency must be > 0", name)
		}
		if p.QueueDepth <= 0 {
			return fmt.Errorf("pools.%s.queue_depth must be > 0", name)
		}
	}
	if c.Worker.UnitTimeout <= 0 {
		return fmt.Errorf("worker.unit_timeout must be > 0")
	}
	if c.Worker.Runner != RunnerNoop {
		return fmt.Errorf("worker.runner %q is not supported", c.Worker.Runner)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("ratelimit.redis.addr must be set when ratelimit.backend is redis")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.Telemetry.Enabled && (c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1) {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	return rules.Validate(c.Rules, catalog)
}

// Catalog converts the platform section into the validated catalog.
func (c Config) Catalog() (*crawler.Catalog, error) {
	specs := make([]crawler.PlatformSpec, 0, len(c.Platforms))
	for name, p := range c.Platforms {
		spec := crawler.PlatformSpec{
			Name:            name,
			Enabled:         p.Enabled,
			PrimaryEndpoint: p.PrimaryEndpoint,
			PacingRPS:       p.PacingRPS,
			PacingBurst:     p.PacingBurst,
		}
		for ep, e := range p.Endpoints {
			spec.Endpoints = append(spec.Endpoints, crawler.EndpointSpec{Name: ep, Limit: e.Limit, Window: e.Window})
		}
		for jt, j := range p.JobTypes {
			spec.JobTypes = append(spec.JobTypes, crawler.JobTypeSpec{Name: jt, Interval: j.Interval})
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return crawler.NewCatalog(specs)
}

// StaleRunAfter is the age after which a running key counts as abandoned:
// worker.stale_after when set, otherwise the unit timeout plus a minute for
// the worker to record its outcome.
func (c Config) StaleRunAfter() time.Duration {
	if c.Worker.StaleAfter > 0 {
		return c.Worker.StaleAfter
	}
	return c.Worker.UnitTimeout + staleRunMargin
}

// ProgressBatchWait converts the millisecond batch wait into a duration.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond
}

// ProgressSinkTimeout converts the millisecond sink timeout into a duration.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}
