// Package worker executes crawl units and reports their outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/errortracker"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Result classifies how a unit ended.
type Result string

// Unit results.
const (
	ResultSuccess     Result = "success"
	ResultError       Result = "error"
	ResultQuotaDenied Result = "quota_denied"
	ResultCanceled    Result = "canceled"
)

// Outcome is returned by Execute for one unit.
type Outcome struct {
	Result    Result
	Posts     int
	NextRunAt time.Time
	Err       error
}

// Config controls Worker behavior.
type Config struct {
	// UnitTimeout bounds one Runner call; zero disables the deadline.
	UnitTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// QuotaManager is the rate-limit surface used by the worker.
type QuotaManager interface {
	Reserver
	RecordResponseHeaders(ctx context.Context, platform, endpoint string, limit, remaining int, resetAt time.Time) error
}

// MatchRecorder receives keyword matches of successful runs.
type MatchRecorder interface {
	Record(platform, postID string, matches []crawler.KeywordMatch) bool
}

// Emitter publishes unit lifecycle events.
type Emitter interface {
	Emit(evt progress.Event)
}

// Dependencies wires the worker to the rest of the orchestrator.
type Dependencies struct {
	// Runners maps platform names to runners; Fallback serves the rest.
	Runners  map[string]crawler.Runner
	Fallback crawler.Runner
	Catalog  *crawler.Catalog
	States   crawler.JobStateStore
	Quotas   QuotaManager
	Pacer    Pacer
	Errors   FailureLog
	Matches  MatchRecorder
	Progress Emitter
	Clock    crawler.Clock
}

// FailureLog records unit outcomes per platform.
type FailureLog interface {
	RecordOutcome(platform string, success bool, errorMessage string) errortracker.Outcome
	ConsecutiveFailures(platform string) int
}

// Worker runs one unit at a time on behalf of a Pool.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

func (w *Worker) runner(platform string) crawler.Runner {
	if r, ok := w.deps.Runners[platform]; ok {
		return r
	}
	return w.deps.Fallback
}

// Execute runs task and records its outcome. ctx is the task context; its
// cancellation means the unit was stopped and its state is released.
func (w *Worker) Execute(ctx context.Context, task crawler.Task) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "unit",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("platform", task.Key.Platform),
			attribute.String("job_type", task.Key.JobType),
			attribute.String("mode", task.Mode),
		),
	)
	defer span.End()

	out := w.execute(ctx, task)
	span.SetAttributes(attribute.String("result", string(out.Result)), attribute.Int("posts", out.Posts))
	if out.Err != nil && out.Result == ResultError {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "unit failed")
	}
	return out
}

func (w *Worker) execute(ctx context.Context, task crawler.Task) Outcome {
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("platform", task.Key.Platform),
		zap.String("job_type", task.Key.JobType),
	)
	start := w.deps.Clock.Now()
	w.emit(task, progress.StageUnitStart, start, 0, 0, "", nil)

	runner := w.runner(task.Key.Platform)
	if runner == nil {
		return w.fail(ctx, task, start, fmt.Errorf("no runner configured for platform %q", task.Key.Platform), logger)
	}
	platform, _ := w.deps.Catalog.Platform(task.Key.Platform)

	unitCtx := ctx
	cancel := context.CancelFunc(func() {})
	if w.cfg.UnitTimeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, w.cfg.UnitTimeout)
	}
	defer cancel()

	result, err := runner.Run(unitCtx, crawler.RunRequest{
		TaskID:   task.ID,
		Key:      task.Key,
		Keywords: task.Keywords,
		MaxPosts: task.MaxPosts,
		Quota: &quotaGate{
			platform: task.Key.Platform,
			primary:  platform.PrimaryEndpoint,
			pacer:    w.deps.Pacer,
			limits:   w.deps.Quotas,
		},
	})
	w.applyQuotas(ctx, task.Key.Platform, result.Quotas, logger)

	switch {
	case err == nil:
		return w.succeed(ctx, task, start, result, logger)
	case errors.Is(err, crawler.ErrQuotaExhausted):
		return w.release(ctx, task, start, progress.StageQuotaDenied, ResultQuotaDenied, err, logger)
	case ctx.Err() != nil:
		return w.release(ctx, task, start, progress.StageUnitCanceled, ResultCanceled, err, logger)
	case errors.Is(unitCtx.Err(), context.DeadlineExceeded):
		return w.fail(ctx, task, start, fmt.Errorf("unit timed out after %s", w.cfg.UnitTimeout), logger)
	default:
		return w.fail(ctx, task, start, err, logger)
	}
}

// Cancel releases a task that was dequeued or drained before it started.
func (w *Worker) Cancel(ctx context.Context, task crawler.Task) {
	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("platform", task.Key.Platform))
	now := w.deps.Clock.Now()
	w.release(ctx, task, now, progress.StageUnitCanceled, ResultCanceled, context.Canceled, logger)
}

func (w *Worker) applyQuotas(ctx context.Context, platform string, updates []crawler.QuotaUpdate, logger *zap.Logger) {
	if w.deps.Quotas == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, q := range updates {
		if err := w.deps.Quotas.RecordResponseHeaders(ctx, platform, q.Endpoint, q.Limit, q.Remaining, q.ResetAt); err != nil {
			logger.Warn("quota headers rejected", zap.String("endpoint", q.Endpoint), zap.Error(err))
		}
	}
}

func (w *Worker) succeed(
	ctx context.Context,
	task crawler.Task,
	start time.Time,
	result crawler.RunResult,
	logger *zap.Logger,
) Outcome {
	ctx = context.WithoutCancel(ctx)
	finished := w.deps.Clock.Now()
	interval, _ := w.deps.Catalog.Interval(task.Key)
	next := finished.Add(interval)
	posts := max(result.PostsCollected, 0)

	if err := w.deps.States.MarkSucceeded(ctx, task.Key, finished, next, int64(posts)); err != nil {
		logger.Error("mark succeeded failed", zap.Error(err))
	}
	if w.deps.Errors != nil {
		w.deps.Errors.RecordOutcome(task.Key.Platform, true, "")
	}
	if w.deps.Matches != nil {
		for _, pm := range result.Matches {
			w.deps.Matches.Record(task.Key.Platform, pm.PostID, pm.Matches)
		}
	}
	w.emit(task, progress.StageUnitDone, finished, finished.Sub(start), int64(posts), "", result.Matches)
	logger.Info("unit succeeded", zap.Int("posts", posts), zap.Time("next_run_at", next))
	return Outcome{Result: ResultSuccess, Posts: posts, NextRunAt: next}
}

func (w *Worker) fail(
	ctx context.Context,
	task crawler.Task,
	start time.Time,
	cause error,
	logger *zap.Logger,
) Outcome {
	ctx = context.WithoutCancel(ctx)
	finished := w.deps.Clock.Now()
	interval, _ := w.deps.Catalog.Interval(task.Key)
	failures := 1
	if w.deps.Errors != nil {
		w.deps.Errors.RecordOutcome(task.Key.Platform, false, cause.Error())
		failures = w.deps.Errors.ConsecutiveFailures(task.Key.Platform)
	}
	next := finished.Add(Backoff(failures, w.cfg.BackoffInitial, w.cfg.BackoffMax, interval))

	if err := w.deps.States.MarkFailed(ctx, task.Key, finished, next, cause.Error()); err != nil {
		logger.Error("mark failed failed", zap.Error(err))
	}
	w.emit(task, progress.StageUnitError, finished, finished.Sub(start), 0, cause.Error(), nil)
	logger.Warn("unit failed",
		zap.Error(cause),
		zap.Int("consecutive_failures", failures),
		zap.Time("next_run_at", next),
	)
	return Outcome{Result: ResultError, NextRunAt: next, Err: cause}
}

func (w *Worker) release(
	ctx context.Context,
	task crawler.Task,
	start time.Time,
	stage progress.Stage,
	result Result,
	cause error,
	logger *zap.Logger,
) Outcome {
	ctx = context.WithoutCancel(ctx)
	if err := w.deps.States.Release(ctx, task.Key, task.Previous); err != nil {
		logger.Error("release state failed", zap.Error(err))
	}
	finished := w.deps.Clock.Now()
	note := ""
	if cause != nil {
		note = cause.Error()
	}
	w.emit(task, stage, finished, max(finished.Sub(start), 0), 0, note, nil)
	logger.Info("unit released", zap.String("result", string(result)), zap.String("reason", note))
	return Outcome{Result: result, NextRunAt: task.Previous.NextRunAt, Err: cause}
}

func (w *Worker) emit(
	task crawler.Task,
	stage progress.Stage,
	ts time.Time,
	dur time.Duration,
	posts int64,
	note string,
	matches []crawler.PostMatches,
) {
	if w.deps.Progress == nil {
		return
	}
	id, err := progress.ParseTaskID(task.ID)
	if err != nil {
		w.logger.Debug("task id is not a uuid; progress event skipped", zap.String("task_id", task.ID))
		return
	}
	w.deps.Progress.Emit(progress.Event{
		TaskID:   id,
		TS:       ts.UTC(),
		Stage:    stage,
		Platform: task.Key.Platform,
		JobType:  task.Key.JobType,
		Mode:     task.Mode,
		Posts:    posts,
		Dur:      dur,
		Note:     note,
		Matches:  matches,
	})
}

// Backoff returns the delay before a failed unit is retried. It doubles from
// initial per consecutive failure and is capped at min(maxBackoff, interval).
func Backoff(failures int, initial, maxBackoff, interval time.Duration) time.Duration {
	limit := maxBackoff
	if interval > 0 && (limit <= 0 || interval < limit) {
		limit = interval
	}
	if initial <= 0 {
		return limit
	}
	d := initial
	for i := 1; i < failures && (limit <= 0 || d < limit); i++ {
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
