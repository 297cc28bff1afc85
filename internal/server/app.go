// Package server builds the orchestrator's dependencies and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/errortracker"
	"github.com/JakeFAU/crawl-orchestrator/internal/health"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/crawl-orchestrator/internal/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/rules"
	"github.com/JakeFAU/crawl-orchestrator/internal/runner/noop"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/crawl-orchestrator/internal/trigger"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	catalog     *crawler.Catalog
	states      crawler.JobStateStore
	ruleSource  crawler.RuleSource
	limits      *ratelimit.Manager
	tracker     *errortracker.Tracker
	aggregator  *keywords.Aggregator
	scorer      *health.Scorer
	dispatch    *dispatcher.Dispatcher
	service     *orchestrator.Service
	pools       map[crawler.PoolKind]*worker.Pool
	progressHub *progress.Hub
	trigger     *trigger.Trigger
	apiServer   *api.Server

	db        *pgxpool.Pool
	runs      store.RunRepository
	matches   store.MatchRepository
	snapshots store.SnapshotRepository
	redis     *redis.Client

	tracerShutdown telemetry.ShutdownFunc
	poolCancel     context.CancelFunc
}

// Build creates the application's dependencies. Pools are not started until
// Run or StartPools is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		pools:  make(map[crawler.PoolKind]*worker.Pool),
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
	)

	var err error
	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	app.catalog, err = cfg.Catalog()
	if err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err = app.setupRateLimits(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.tracker = errortracker.New(app.clock, errortracker.Config{
		DefaultWindowHours: cfg.Scheduler.ErrorWindowHours,
		HistogramSize:      cfg.Scheduler.HistogramSize,
	})
	app.aggregator = keywords.NewAggregator(app.clock)
	app.warmup(ctx)
	app.reclaimAbandoned(ctx)
	app.scorer = health.NewScorer(
		app.catalog,
		app.tracker,
		app.limits,
		app.states,
		app.clock,
		cfg.Scheduler.ErrorWindowHours,
		logger.Named("health"),
	)
	if err = app.setupProgress(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.setupDispatch()

	app.service = orchestrator.New(orchestrator.Dependencies{
		Catalog:    app.catalog,
		States:     app.states,
		RateLimits: app.limits,
		Errors:     app.tracker,
		Health:     app.scorer,
		Keywords:   app.aggregator,
		Dispatcher: app.dispatch,
		Clock:      app.clock,
	}, logger)

	if cfg.Trigger.Enabled {
		app.trigger, err = trigger.New(trigger.Config{
			ScheduledSpec:  cfg.Trigger.ScheduledSpec,
			BatchSpec:      cfg.Trigger.BatchSpec,
			HealthSpec:     cfg.Trigger.HealthSpec,
			CompactionSpec: cfg.Trigger.CompactionSpec,
			ReclaimSpec:    cfg.Trigger.ReclaimSpec,
			StaleAfter:     cfg.StaleRunAfter(),
			Retention:      cfg.Trigger.Retention,
		}, trigger.Dependencies{
			Dispatcher: app.service,
			Health:     app.scorer,
			Compactors: map[string]trigger.Compactor{
				"errors":   app.tracker,
				"keywords": app.aggregator,
			},
			States: app.states,
			Clock:  app.clock,
		}, logger)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
	}

	app.apiServer = api.NewServer(app.service, app.runs, app.ready, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))
	return app, nil
}

// Service exposes the orchestrator facade to CLI commands.
func (a *App) Service() *orchestrator.Service {
	return a.service
}

// Dispatch runs one dispatch pass.
func (a *App) Dispatch(ctx context.Context, req scheduler.Request) (dispatcher.Result, error) {
	return a.service.Dispatch(ctx, req)
}

// Status is a point-in-time view of queues, pools and platform health.
type Status struct {
	Queue     orchestrator.QueueStatus `json:"queue"`
	Tasks     orchestrator.TaskStatus  `json:"tasks"`
	Platforms []PlatformStatus         `json:"platforms"`
}

// PlatformStatus pairs a health breakdown with the platform's rate limits.
type PlatformStatus struct {
	Health     health.Report                      `json:"health"`
	RateLimits map[string]crawler.RateLimitStatus `json:"rate_limits"`
}

// Status collects the queue view and every enabled platform's health and limits.
func (a *App) Status(ctx context.Context) (Status, error) {
	queue, err := a.service.QueueStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{Queue: queue, Tasks: a.service.TaskStatus()}
	for _, p := range a.catalog.Enabled() {
		report, err := a.service.HealthScore(ctx, p.Name)
		if err != nil {
			return Status{}, err
		}
		limits, err := a.service.RateLimitStatus(ctx, p.Name)
		if err != nil {
			return Status{}, err
		}
		out.Platforms = append(out.Platforms, PlatformStatus{Health: report, RateLimits: limits})
	}
	return out, nil
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory job state store")
		a.states = memorystorage.NewJobStateStore()
		static, err := rules.NewStatic(a.cfg.Rules, a.catalog)
		if err != nil {
			return err
		}
		a.ruleSource = static
		return nil
	}

	var err error
	a.db, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Storage.DSN,
		MaxConns:        a.cfg.Storage.MaxConns,
		MinConns:        a.cfg.Storage.MinConns,
		MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err = pgstore.EnsureSchema(ctx, a.db); err != nil {
		return err
	}
	ruleStore := pgstore.NewRuleStore(a.db)
	if a.cfg.Storage.SeedRules {
		for _, r := range a.cfg.Rules {
			if err = ruleStore.UpsertRule(ctx, r); err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
		}
		a.logger.Info("keyword rules seeded", zap.Int("rules", len(a.cfg.Rules)))
	}
	a.states = pgstore.NewJobStateStore(a.db)
	a.ruleSource = ruleStore
	a.runs = pgstore.NewRunStore(a.db)
	a.matches = pgstore.NewMatchStore(a.db)
	a.snapshots = pgstore.NewSnapshotStore(a.db)
	a.logger.Info("using postgres stores")
	return nil
}

func (a *App) setupRateLimits(ctx context.Context) error {
	var backend ratelimit.Backend
	if a.cfg.RateLimit.Backend == config.BackendRedis {
		rc := a.cfg.RateLimit.Redis
		client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisConfig{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			KeyPrefix:    rc.KeyPrefix,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redis = client
		backend = ratelimit.NewRedisBackend(client, rc.KeyPrefix)
		a.logger.Info("using redis rate-limit backend", zap.String("addr", rc.Addr))
	} else {
		backend = ratelimit.NewMemoryBackend()
		a.logger.Info("using in-memory rate-limit backend")
	}
	a.limits = ratelimit.NewManager(a.catalog, backend, a.clock, a.logger.Named("ratelimit"))

	// Redis windows are already shared and durable.
	if a.snapshots == nil || a.redis != nil {
		return nil
	}
	snaps, err := a.snapshots.LoadSnapshots(ctx)
	if err != nil {
		a.logger.Warn("rate-limit snapshot load failed", zap.Error(err))
		return nil
	}
	restored, err := a.limits.Restore(ctx, snaps)
	if err != nil {
		return fmt.Errorf("restore rate-limit windows: %w", err)
	}
	a.logger.Info("rate-limit windows restored", zap.Int("windows", restored))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.matches, a.logger.Named("progress_store")))
		a.logger.Debug("added progress store sink")
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		SinkTimeout:    a.cfg.ProgressSinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupDispatch() {
	var emitter progress.Emitter
	if a.progressHub != nil {
		emitter = a.progressHub
	}
	exec := worker.New(worker.Dependencies{
		Fallback: noop.New(a.cfg.Worker.NoopDelay, a.logger),
		Catalog:  a.catalog,
		States:   a.states,
		Quotas:   a.limits,
		Pacer:    ratelimit.NewPacer(a.catalog),
		Errors:   a.tracker,
		Matches:  a.aggregator,
		Progress: emitter,
		Clock:    a.clock,
	}, worker.Config{
		UnitTimeout:    a.cfg.Worker.UnitTimeout,
		BackoffInitial: a.cfg.Scheduler.FailureBackoffInitial,
		BackoffMax:     a.cfg.Scheduler.FailureBackoffMax,
	}, a.logger)

	pools := make(map[crawler.PoolKind]dispatcher.Pool, 2)
	for kind, pc := range map[crawler.PoolKind]config.PoolConfig{
		crawler.PoolStandard: a.cfg.Pools.Standard,
		crawler.PoolBatch:    a.cfg.Pools.Batch,
	} {
		p := worker.NewPool(kind, worker.PoolConfig{
			Concurrency: pc.Concurrency,
			QueueDepth:  pc.QueueDepth,
		}, exec, a.logger)
		a.pools[kind] = p
		pools[kind] = p
	}

	sched := scheduler.New(a.catalog, a.states, a.limits, a.ruleSource, a.clock, a.logger)
	a.dispatch = dispatcher.New(
		sched,
		a.states,
		a.tracker,
		pools,
		uuid.NewUUIDGenerator(),
		emitter,
		a.clock,
		dispatcher.Config{
			CircuitThreshold: a.cfg.Scheduler.CircuitThreshold,
			CircuitCooldown:  a.cfg.Scheduler.CircuitCooldown,
		},
		a.logger,
	)
}

func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// StartPools starts every worker pool; they stop when Close is called.
func (a *App) StartPools(ctx context.Context) {
	ctx, a.poolCancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, p := range a.pools {
		p.Start(ctx)
	}
}

// WaitIdle blocks until every pool has no queued or running task.
func (a *App) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := 0
		for _, p := range a.pools {
			busy += p.Active() + p.Queued()
		}
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for pools: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartPools(ctx)
	if a.trigger != nil {
		a.trigger.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.trigger != nil {
		if err := a.trigger.Stop(ctx); err != nil {
			a.logger.Warn("trigger stop failed", zap.Error(err))
		}
	}
	for kind, p := range a.pools {
		if err := p.Close(ctx); err != nil {
			a.logger.Warn("pool close failed", zap.String("pool", string(kind)), zap.Error(err))
		}
	}
	if a.poolCancel != nil {
		a.poolCancel()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.snapshots != nil && a.limits != nil && a.redis == nil {
		a.saveSnapshots(ctx)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) saveSnapshots(ctx context.Context) {
	snaps, err := a.limits.Snapshot(ctx)
	if err != nil {
		a.logger.Warn("rate-limit snapshot failed", zap.Error(err))
		return
	}
	if err := a.snapshots.SaveSnapshots(ctx, snaps); err != nil {
		a.logger.Warn("rate-limit snapshot save failed", zap.Error(err))
		return
	}
	a.logger.Info("rate-limit windows saved", zap.Int("windows", len(snaps)))
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
