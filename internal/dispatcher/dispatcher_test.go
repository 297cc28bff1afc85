package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/manual"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/errortracker"
	uuidgen "github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/rules"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

var (
	testStart     = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	redditSearch  = crawler.JobKey{Platform: "reddit", JobType: "keyword_search"}
	twitterSearch = crawler.JobKey{Platform: "twitter", JobType: "search"}
)

type fakePool struct {
	mu        sync.Mutex
	tasks     []crawler.Task
	err       error
	cancelled int
}

func (p *fakePool) Submit(_ context.Context, task crawler.Task) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.tasks = append(p.tasks, task)
	return task.ID, nil
}

func (p *fakePool) CancelAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled++
	return len(p.tasks)
}

func (p *fakePool) Active() int { return 0 }

func (p *fakePool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *fakePool) submitted() []crawler.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawler.Task(nil), p.tasks...)
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *eventLog) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

type fixture struct {
	dispatcher *Dispatcher
	states     *memory.JobStateStore
	tracker    *errortracker.Tracker
	standard   *fakePool
	batch      *fakePool
	events     *eventLog
	clock      *manual.Clock
}

func newFixture(t *testing.T, threshold int, pools ...crawler.PoolKind) fixture {
	t.Helper()
	catalog, err := crawler.NewCatalog([]crawler.PlatformSpec{
		{
			Name:            "reddit",
			Enabled:         true,
			PrimaryEndpoint: "search",
			Endpoints:       []crawler.EndpointSpec{{Name: "search", Limit: 100, Window: 10 * time.Minute}},
			JobTypes:        []crawler.JobTypeSpec{{Name: "keyword_search", Interval: 15 * time.Minute}},
		},
		{
			Name:            "twitter",
			Enabled:         true,
			PrimaryEndpoint: "search",
			Endpoints:       []crawler.EndpointSpec{{Name: "search", Limit: 450, Window: 15 * time.Minute}},
			JobTypes:        []crawler.JobTypeSpec{{Name: "search", Interval: 15 * time.Minute}},
		},
	})
	require.NoError(t, err)
	src, err := rules.NewStatic(nil, catalog)
	require.NoError(t, err)

	clk := manual.New(testStart)
	states := memory.NewJobStateStore()
	limits := ratelimit.NewManager(catalog, ratelimit.NewMemoryBackend(), clk, zap.NewNop())
	sched := scheduler.New(catalog, states, limits, src, clk, zap.NewNop())
	tracker := errortracker.New(clk, errortracker.Config{})

	f := fixture{
		states:   states,
		tracker:  tracker,
		standard: &fakePool{},
		batch:    &fakePool{},
		events:   &eventLog{},
		clock:    clk,
	}
	if len(pools) == 0 {
		pools = []crawler.PoolKind{crawler.PoolStandard, crawler.PoolBatch}
	}
	byKind := map[crawler.PoolKind]Pool{}
	for _, kind := range pools {
		if kind == crawler.PoolBatch {
			byKind[kind] = f.batch
		} else {
			byKind[kind] = f.standard
		}
	}
	f.dispatcher = New(sched, states, tracker, byKind, uuidgen.NewUUIDGenerator(), f.events, clk,
		Config{CircuitThreshold: threshold}, zap.NewNop())
	return f
}

func (f fixture) state(t *testing.T, key crawler.JobKey) crawler.JobState {
	t.Helper()
	st, err := f.states.Get(context.Background(), key)
	require.NoError(t, err)
	return st
}

// complete finishes every running unit successfully.
func (f fixture) complete(t *testing.T, keys ...crawler.JobKey) {
	t.Helper()
	now := f.clock.Now()
	for _, key := range keys {
		require.NoError(t, f.states.MarkSucceeded(context.Background(), key, now, now, 0))
	}
}

func reasons(res Result) map[crawler.JobKey]crawler.SkipReason {
	out := make(map[crawler.JobKey]crawler.SkipReason, len(res.Skipped))
	for _, s := range res.Skipped {
		out[s.Key] = s.Reason
	}
	return out
}

func TestDispatchSubmitsDueUnits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	res, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{})
	require.NoError(t, err)
	require.Equal(t, "scheduled", res.Mode)
	require.ElementsMatch(t, []crawler.JobKey{redditSearch, twitterSearch}, res.Submitted)
	require.Len(t, res.Tasks, 2)

	tasks := f.standard.submitted()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.NotEmpty(t, task.ID)
		require.Equal(t, "scheduled", task.Mode)
		require.Equal(t, crawler.JobStatusIdle, task.Previous.Status)
		require.Equal(t, testStart, task.Submitted)
		require.Equal(t, crawler.JobStatusRunning, f.state(t, task.Key).Status)
	}
	require.Len(t, f.events.events, 2)
	require.Equal(t, progress.StageUnitSubmit, f.events.events[0].Stage)

	// A second dispatch sees both keys running.
	res, err = f.dispatcher.Dispatch(context.Background(), scheduler.Request{})
	require.NoError(t, err)
	require.Empty(t, res.Submitted)
	require.Equal(t, crawler.SkipAlreadyRunning, reasons(res)[redditSearch])
}

func TestConcurrentDispatchIsMutuallyExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	const callers = 32
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{Mode: scheduler.Batch{}})
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	counts := map[crawler.JobKey]int{}
	for _, res := range results {
		for _, key := range res.Submitted {
			counts[key]++
		}
		for _, s := range res.Skipped {
			require.Equal(t, crawler.SkipAlreadyRunning, s.Reason)
		}
	}
	require.Equal(t, map[crawler.JobKey]int{redditSearch: 1, twitterSearch: 1}, counts)
	require.Len(t, f.batch.submitted(), 2)
	require.Empty(t, f.standard.submitted())
}

func TestCircuitOpensAfterThresholdAndRecovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 4)
	for range 5 {
		f.tracker.RecordOutcome("reddit", false, "HTTP 500")
	}

	res, err := f.dispatcher.Dispatch(ctx, scheduler.Request{})
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{twitterSearch}, res.Submitted)
	require.Equal(t, crawler.SkipCircuitOpen, reasons(res)[redditSearch])
	require.Equal(t, crawler.JobStatusIdle, f.state(t, redditSearch).Status)

	// Realtime is an explicit operator request and bypasses the circuit.
	res, err = f.dispatcher.Dispatch(ctx, scheduler.Request{Mode: scheduler.Realtime{Platform: "reddit"}})
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)
	f.complete(t, redditSearch, twitterSearch)

	f.tracker.RecordOutcome("reddit", true, "")
	res, err = f.dispatcher.Dispatch(ctx, scheduler.Request{})
	require.NoError(t, err)
	require.ElementsMatch(t, []crawler.JobKey{redditSearch, twitterSearch}, res.Submitted)
}

func TestCircuitStaysClosedAtThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	for range 4 {
		f.tracker.RecordOutcome("reddit", false, "HTTP 500")
	}
	res, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{Platforms: []string{"reddit"}})
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)
}

func TestOpenCircuitAdmitsOneTrialAfterCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 4)
	reddit := scheduler.Request{Platforms: []string{"reddit"}}
	for range 5 {
		f.tracker.RecordOutcome("reddit", false, "HTTP 500")
	}

	res, err := f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, crawler.SkipCircuitOpen, reasons(res)[redditSearch])

	// Retention does not forget the failure run, but the cooldown elapses.
	f.clock.Advance(DefaultCircuitCooldown + time.Minute)
	f.tracker.Compact(f.clock.Now())
	require.Equal(t, 5, f.tracker.ConsecutiveFailures("reddit"))

	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)

	// The trial fails: the cooldown re-arms from the new failure.
	f.complete(t, redditSearch)
	f.tracker.RecordOutcome("reddit", false, "HTTP 500")
	f.clock.Advance(10 * time.Minute)
	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Empty(t, res.Submitted)
	require.Equal(t, crawler.SkipCircuitOpen, reasons(res)[redditSearch])

	f.clock.Advance(DefaultCircuitCooldown)
	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)

	// The trial succeeds and the circuit closes.
	f.complete(t, redditSearch)
	f.tracker.RecordOutcome("reddit", true, "")
	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)
}

func TestTrialSlotOnlyUsedBySubmittedUnit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 4)
	reddit := scheduler.Request{Platforms: []string{"reddit"}}
	for range 5 {
		f.tracker.RecordOutcome("reddit", false, "HTTP 500")
	}
	f.clock.Advance(DefaultCircuitCooldown)

	f.standard.err = errors.New("queue full")
	res, err := f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, crawler.SkipPoolUnavailable, reasons(res)[redditSearch])

	f.standard.err = nil
	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)

	// Still running and no new outcome: the next trial waits a full cooldown.
	f.complete(t, redditSearch)
	res, err = f.dispatcher.Dispatch(ctx, reddit)
	require.NoError(t, err)
	require.Equal(t, crawler.SkipCircuitOpen, reasons(res)[redditSearch])
}

func TestSubmitFailureReleasesState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.standard.err = errors.New("queue full")

	res, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{})
	require.NoError(t, err)
	require.Empty(t, res.Submitted)
	require.Equal(t, crawler.SkipPoolUnavailable, reasons(res)[redditSearch])
	require.Equal(t, crawler.JobStatusIdle, f.state(t, redditSearch).Status)
	require.Empty(t, f.events.events)
}

func TestMissingPoolIsUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, crawler.PoolStandard)
	res, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{Mode: scheduler.Batch{}})
	require.NoError(t, err)
	require.Empty(t, res.Submitted)
	require.Equal(t, crawler.SkipPoolUnavailable, reasons(res)[twitterSearch])
	require.Equal(t, crawler.JobStatusIdle, f.state(t, twitterSearch).Status)
}

func TestStopAllAndResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 0)

	stopped, err := f.dispatcher.StopAll(crawler.PoolStandard)
	require.NoError(t, err)
	require.Zero(t, stopped)
	require.True(t, f.dispatcher.Paused(crawler.PoolStandard))
	require.Equal(t, 1, f.standard.cancelled)

	res, err := f.dispatcher.Dispatch(ctx, scheduler.Request{})
	require.NoError(t, err)
	require.Empty(t, res.Submitted)
	require.Equal(t, crawler.SkipPoolStopped, reasons(res)[twitterSearch])

	// Batch pool is unaffected.
	res, err = f.dispatcher.Dispatch(ctx, scheduler.Request{Mode: scheduler.Batch{}, Platforms: []string{"reddit"}})
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{redditSearch}, res.Submitted)

	require.NoError(t, f.dispatcher.Resume(crawler.PoolStandard))
	res, err = f.dispatcher.Dispatch(ctx, scheduler.Request{})
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{twitterSearch}, res.Submitted)

	_, err = f.dispatcher.StopAll("gpu")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, f.dispatcher.Resume("gpu"), crawler.ErrNotFound)
}

func TestDispatchReturnsConfigurationErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.dispatcher.Dispatch(context.Background(), scheduler.Request{Platforms: []string{"myspace"}})
	require.True(t, crawler.IsConfigurationError(err))

	_, err = f.dispatcher.Dispatch(context.Background(), scheduler.Request{
		Mode: scheduler.Realtime{Platform: "reddit", JobType: "nope"},
	})
	require.True(t, crawler.IsConfigurationError(err))
}
