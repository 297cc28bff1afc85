// Package trigger fires periodic orchestrator work from cron schedules:
// scheduled and batch dispatch passes, health gauge refreshes, reclamation of
// abandoned runs and retention compaction of the in-memory logs.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/health"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

// Dispatcher runs one dispatch pass.
type Dispatcher interface {
	Dispatch(ctx context.Context, req scheduler.Request) (dispatcher.Result, error)
}

// HealthRefresher recomputes and exports platform health scores.
type HealthRefresher interface {
	Refresh(ctx context.Context) ([]health.Report, error)
}

// Compactor drops entries older than a cutoff and reports how many were removed.
type Compactor interface {
	Compact(before time.Time) int
}

// Reclaimer fails runs that never reported back.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, startedBefore time.Time) ([]crawler.JobKey, error)
}

// Config holds the cron specs. An empty spec disables that job.
type Config struct {
	ScheduledSpec  string
	BatchSpec      string
	HealthSpec     string
	CompactionSpec string
	ReclaimSpec    string
	// StaleAfter is how long a run may stay running before it is reclaimed.
	StaleAfter time.Duration
	// Retention bounds the age of compacted entries.
	Retention time.Duration
	// JobTimeout bounds a single triggered run.
	JobTimeout time.Duration
}

// Dependencies are the collaborators fired by the trigger. Nil members
// disable the jobs that need them.
type Dependencies struct {
	Dispatcher Dispatcher
	Health     HealthRefresher
	Compactors map[string]Compactor
	States     Reclaimer
	Clock      crawler.Clock
}

// Trigger owns the cron instance.
type Trigger struct {
	cfg    Config
	deps   Dependencies
	cron   *cron.Cron
	base   context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

const defaultJobTimeout = 2 * time.Minute

// New parses every configured spec and registers its job.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Trigger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	logger = logger.Named("trigger")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	base, cancel := context.WithCancel(context.Background())
	t := &Trigger{
		cfg:    cfg,
		deps:   deps,
		base:   base,
		cancel: cancel,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"scheduled", cfg.ScheduledSpec, t.dispatchMode(scheduler.Scheduled{})},
		{"batch", cfg.BatchSpec, t.dispatchMode(scheduler.Batch{})},
		{"health", cfg.HealthSpec, t.refreshHealth},
		{"compaction", cfg.CompactionSpec, t.compact},
		{"reclaim", cfg.ReclaimSpec, t.reclaim},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if !t.canRun(job.name) {
			logger.Warn("trigger job has no target, skipping", zap.String("job", job.name))
			continue
		}
		if _, err := t.cron.AddFunc(job.spec, t.wrap(job.name, job.run)); err != nil {
			cancel()
			return nil, crawler.Configf("trigger.%s_spec %q: %v", job.name, job.spec, err)
		}
		logger.Info("trigger job registered", zap.String("job", job.name), zap.String("spec", job.spec))
	}
	return t, nil
}

func (t *Trigger) canRun(name string) bool {
	switch name {
	case "scheduled", "batch":
		return t.deps.Dispatcher != nil
	case "health":
		return t.deps.Health != nil
	case "compaction":
		return len(t.deps.Compactors) > 0 && t.cfg.Retention > 0 && t.deps.Clock != nil
	case "reclaim":
		return t.deps.States != nil && t.cfg.StaleAfter > 0 && t.deps.Clock != nil
	}
	return false
}

// Entries reports how many jobs are registered.
func (t *Trigger) Entries() int {
	return len(t.cron.Entries())
}

// Start begins firing jobs in the background.
func (t *Trigger) Start() {
	t.cron.Start()
}

// Stop halts the schedule and waits for running jobs, or until ctx is done.
func (t *Trigger) Stop(ctx context.Context) error {
	done := t.cron.Stop()
	select {
	case <-done.Done():
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return fmt.Errorf("stop trigger: %w", ctx.Err())
	}
}

func (t *Trigger) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(t.base, t.cfg.JobTimeout)
		defer cancel()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("trigger job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

func (t *Trigger) dispatchMode(mode scheduler.Mode) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := t.deps.Dispatcher.Dispatch(ctx, scheduler.Request{Mode: mode})
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", mode.Name(), err)
		}
		t.logger.Info("triggered dispatch",
			zap.String("mode", mode.Name()),
			zap.Int("submitted", len(res.Submitted)),
			zap.Int("skipped", len(res.Skipped)),
		)
		return nil
	}
}

func (t *Trigger) refreshHealth(ctx context.Context) error {
	reports, err := t.deps.Health.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh health: %w", err)
	}
	t.logger.Debug("health refreshed", zap.Int("platforms", len(reports)))
	return nil
}

func (t *Trigger) compact(context.Context) error {
	cutoff := t.deps.Clock.Now().Add(-t.cfg.Retention)
	for name, c := range t.deps.Compactors {
		if removed := c.Compact(cutoff); removed > 0 {
			t.logger.Info("compacted",
				zap.String("log", name),
				zap.Int("removed", removed),
				zap.Time("cutoff", cutoff),
			)
		}
	}
	return nil
}

func (t *Trigger) reclaim(ctx context.Context) error {
	cutoff := t.deps.Clock.Now().Add(-t.cfg.StaleAfter)
	keys, err := t.deps.States.ReclaimStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reclaim stale runs: %w", err)
	}
	for _, key := range keys {
		t.logger.Warn("reclaimed abandoned run",
			zap.String("platform", key.Platform),
			zap.String("job_type", key.JobType),
			zap.Time("started_before", cutoff),
		)
	}
	return nil
}

// cronLogger adapts zap to cron.Logger for the job wrappers.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
