// Package dispatcher turns scheduler plans into running units.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

const (
	// DefaultCircuitThreshold is the consecutive failure count a platform may
	// reach before non-realtime dispatch stops submitting its units.
	DefaultCircuitThreshold = 4
	// DefaultCircuitCooldown is how long an open circuit waits after the last
	// failure (or the last trial unit) before letting one trial unit through.
	DefaultCircuitCooldown = 30 * time.Minute
)

// Planner computes due units.
type Planner interface {
	ComputeDueUnits(ctx context.Context, req scheduler.Request) (scheduler.Plan, error)
}

// Pool accepts tasks for execution.
type Pool interface {
	Submit(ctx context.Context, task crawler.Task) (string, error)
	CancelAll() int
	Active() int
	Queued() int
}

// FailureCounter reports a platform's trailing failure run.
type FailureCounter interface {
	ConsecutiveFailures(platform string) int
	LastFailureAt(platform string) time.Time
}

// Emitter publishes unit lifecycle events.
type Emitter interface {
	Emit(evt progress.Event)
}

// Config tunes the dispatcher.
type Config struct {
	// CircuitThreshold opens the circuit when consecutive failures exceed it.
	CircuitThreshold int
	// CircuitCooldown is the half-open delay of an open circuit.
	CircuitCooldown time.Duration
}

// Submission identifies one task handed to a pool.
type Submission struct {
	TaskID   string           `json:"task_id"`
	Key      crawler.JobKey   `json:"key"`
	Pool     crawler.PoolKind `json:"pool"`
	Priority crawler.Priority `json:"priority"`
}

// Result reports what one Dispatch call did.
type Result struct {
	Mode      string           `json:"mode"`
	Submitted []crawler.JobKey `json:"submitted"`
	Tasks     []Submission     `json:"tasks"`
	Skipped   []crawler.Skip   `json:"skipped"`
}

// Dispatcher submits due units to worker pools under per-key mutual exclusion.
type Dispatcher struct {
	planner  Planner
	states   crawler.JobStateStore
	failures FailureCounter
	pools    map[crawler.PoolKind]Pool
	ids      crawler.IDGenerator
	progress Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	paused map[crawler.PoolKind]bool
	// trials holds when the last half-open trial unit was submitted per platform.
	trials map[string]time.Time
}

// New constructs a Dispatcher. emitter may be nil.
func New(
	planner Planner,
	states crawler.JobStateStore,
	failures FailureCounter,
	pools map[crawler.PoolKind]Pool,
	ids crawler.IDGenerator,
	emitter Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = DefaultCircuitThreshold
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = DefaultCircuitCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		planner:  planner,
		states:   states,
		failures: failures,
		pools:    pools,
		ids:      ids,
		progress: emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
		paused:   make(map[crawler.PoolKind]bool),
		trials:   make(map[string]time.Time),
	}
}

// Dispatch plans and submits units. Configuration errors are returned; any
// per-key failure is reported as a skip.
func (d *Dispatcher) Dispatch(ctx context.Context, req scheduler.Request) (Result, error) {
	if req.Mode == nil {
		req.Mode = scheduler.Scheduled{}
	}
	mode := req.Mode.Name()
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("mode", mode), attribute.Bool("force", req.Force)),
	)
	defer span.End()

	plan, err := d.planner.ComputeDueUnits(ctx, req)
	if err != nil {
		metrics.ObserveDispatch(mode, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		return Result{}, err
	}

	res := Result{
		Mode:      mode,
		Submitted: []crawler.JobKey{},
		Tasks:     []Submission{},
		Skipped:   []crawler.Skip{},
	}
	for _, skip := range plan.Skipped {
		res.skip(mode, skip)
	}
	_, realtime := req.Mode.(scheduler.Realtime)
	for _, unit := range plan.Units {
		var trial *circuitTrial
		if !realtime {
			closed, t, detail := d.circuit(unit.Key.Platform)
			if !closed {
				res.skip(mode, crawler.Skip{Key: unit.Key, Reason: crawler.SkipCircuitOpen, Detail: detail})
				continue
			}
			trial = t
		}
		sub, skip := d.submit(ctx, mode, unit)
		if skip != nil {
			if trial != nil {
				d.cancelTrial(*trial)
			}
			res.skip(mode, *skip)
			continue
		}
		if trial != nil {
			d.logger.Info("circuit half-open, trial unit submitted",
				zap.String("platform", unit.Key.Platform),
				zap.String("job_type", unit.Key.JobType),
			)
		}
		metrics.ObserveDispatch(mode, "submitted")
		res.Submitted = append(res.Submitted, unit.Key)
		res.Tasks = append(res.Tasks, sub)
	}

	span.SetAttributes(
		attribute.Int("submitted", len(res.Submitted)),
		attribute.Int("skipped", len(res.Skipped)),
	)
	d.logger.Info("dispatch complete",
		zap.String("mode", mode),
		zap.Int("submitted", len(res.Submitted)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func (r *Result) skip(mode string, s crawler.Skip) {
	metrics.ObserveDispatch(mode, string(s.Reason))
	r.Skipped = append(r.Skipped, s)
}

type circuitTrial struct {
	platform string
	at       time.Time
	previous time.Time
}

// circuit decides whether a platform's unit may be submitted. An open circuit
// turns half-open once CircuitCooldown has passed since the later of the last
// failure and the last trial; it then reserves a single trial unit. A trial
// success resets the failure run and closes the circuit; a trial failure
// moves the last failure forward and re-arms the cooldown.
func (d *Dispatcher) circuit(platform string) (bool, *circuitTrial, string) {
	if d.failures == nil {
		return true, nil, ""
	}
	n := d.failures.ConsecutiveFailures(platform)
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= d.cfg.CircuitThreshold {
		delete(d.trials, platform)
		return true, nil, ""
	}
	previous := d.trials[platform]
	since := d.failures.LastFailureAt(platform)
	if previous.After(since) {
		since = previous
	}
	now := d.clock.Now()
	retryAt := since.Add(d.cfg.CircuitCooldown)
	if now.Before(retryAt) {
		return false, nil, fmt.Sprintf("%d consecutive failures, trial after %s", n, retryAt.Format(time.RFC3339))
	}
	d.trials[platform] = now
	return true, &circuitTrial{platform: platform, at: now, previous: previous}, ""
}

// cancelTrial gives back a trial slot whose unit was never submitted.
func (d *Dispatcher) cancelTrial(t circuitTrial) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trials[t.platform].Equal(t.at) {
		if t.previous.IsZero() {
			delete(d.trials, t.platform)
		} else {
			d.trials[t.platform] = t.previous
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, mode string, unit scheduler.DueUnit) (Submission, *crawler.Skip) {
	logger := d.logger.With(
		zap.String("platform", unit.Key.Platform),
		zap.String("job_type", unit.Key.JobType),
	)
	pool, ok := d.pools[unit.Pool]
	if !ok {
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipPoolUnavailable, Detail: "no " + string(unit.Pool) + " pool"}
	}
	if d.Paused(unit.Pool) {
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipPoolStopped}
	}
	id, err := d.ids.NewID()
	if err != nil {
		logger.Error("task id generation failed", zap.Error(err))
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipPoolUnavailable, Detail: err.Error()}
	}

	now := d.clock.Now()
	prev, started, err := d.states.TryStart(ctx, unit.Key, now)
	if err != nil {
		logger.Warn("try start failed", zap.Error(err))
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipStoreError, Detail: err.Error()}
	}
	if !started {
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipAlreadyRunning}
	}

	task := crawler.Task{
		ID:        id,
		Key:       unit.Key,
		Mode:      mode,
		Pool:      unit.Pool,
		Priority:  unit.Priority,
		Keywords:  unit.Keywords,
		MaxPosts:  unit.MaxPosts,
		Previous:  prev,
		Submitted: now,
	}
	if _, err := pool.Submit(ctx, task); err != nil {
		logger.Warn("pool submit failed", zap.String("task_id", id), zap.Error(err))
		if relErr := d.states.Release(context.WithoutCancel(ctx), unit.Key, prev); relErr != nil {
			logger.Error("release after failed submit", zap.Error(relErr))
		}
		return Submission{}, &crawler.Skip{Key: unit.Key, Reason: crawler.SkipPoolUnavailable, Detail: err.Error()}
	}
	d.emitSubmit(task, now)
	logger.Debug("unit submitted", zap.String("task_id", id), zap.String("pool", string(unit.Pool)))
	return Submission{TaskID: id, Key: unit.Key, Pool: unit.Pool, Priority: unit.Priority}, nil
}

func (d *Dispatcher) emitSubmit(task crawler.Task, at time.Time) {
	if d.progress == nil {
		return
	}
	id, err := progress.ParseTaskID(task.ID)
	if err != nil {
		return
	}
	d.progress.Emit(progress.Event{
		TaskID:   id,
		TS:       at.UTC(),
		Stage:    progress.StageUnitSubmit,
		Platform: task.Key.Platform,
		JobType:  task.Key.JobType,
		Mode:     task.Mode,
	})
}

// StopAll cancels queued and in-flight work on the pool and refuses new
// submissions until Resume. It returns the number of tasks stopped.
func (d *Dispatcher) StopAll(kind crawler.PoolKind) (int, error) {
	pool, ok := d.pools[kind]
	if !ok {
		return 0, fmt.Errorf("pool %q: %w", kind, crawler.ErrNotFound)
	}
	d.mu.Lock()
	d.paused[kind] = true
	d.mu.Unlock()
	n := pool.CancelAll()
	d.logger.Info("pool stopped", zap.String("pool", string(kind)), zap.Int("stopped", n))
	return n, nil
}

// Resume re-opens a pool stopped by StopAll.
func (d *Dispatcher) Resume(kind crawler.PoolKind) error {
	if _, ok := d.pools[kind]; !ok {
		return fmt.Errorf("pool %q: %w", kind, crawler.ErrNotFound)
	}
	d.mu.Lock()
	delete(d.paused, kind)
	d.mu.Unlock()
	d.logger.Info("pool resumed", zap.String("pool", string(kind)))
	return nil
}

// Paused reports whether the pool was stopped and not yet resumed.
func (d *Dispatcher) Paused(kind crawler.PoolKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[kind]
}

// Pool returns the pool of the given kind.
func (d *Dispatcher) Pool(kind crawler.PoolKind) (Pool, bool) {
	p, ok := d.pools[kind]
	return p, ok
}
