package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/health"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeOrchestrator{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeOrchestrator{}, nil, func(context.Context) error { return errors.New("db down") }, Config{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, newTestServer(&fakeOrchestrator{}), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeOrchestrator{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_QueueAndTasks(t *testing.T) {
	t.Parallel()

	svc := &fakeOrchestrator{
		queue: orchestrator.QueueStatus{
			PerPlatform: map[string]orchestrator.PlatformQueue{"reddit": {PendingCount: 2, OverdueCount: 1, RunningCount: 1}},
			Summary:     orchestrator.QueueSummary{TotalPendingJobs: 2, OverallStatus: orchestrator.QueueBacklogged},
		},
		tasks: orchestrator.TaskStatus{ActiveTasks: 3, QueuedTasks: 4},
	}
	s := newTestServer(svc)

	rec := serve(t, s, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var queue orchestrator.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Equal(t, svc.queue, queue)

	rec = serve(t, s, http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_tasks":3`)

	svc.err = errors.New("boom")
	rec = serve(t, s, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_PlatformViews(t *testing.T) {
	t.Parallel()

	svc := &fakeOrchestrator{}
	s := newTestServer(svc)

	rec := serve(t, s, http.MethodGet, "/v1/platforms/reddit/errors?hours=2.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reddit", svc.lastPlatform)
	require.InDelta(t, 2.5, svc.lastHours, 0.0001)

	rec = serve(t, s, http.MethodGet, "/v1/platforms/reddit/errors?hours=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/platforms/reddit/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"score":100`)

	rec = serve(t, s, http.MethodGet, "/v1/platforms/reddit/rate-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"search"`)

	svc.err = crawler.Configf("unknown platform %q", "myspace")
	rec = serve(t, s, http.MethodGet, "/v1/platforms/myspace/health", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown platform")
}

func TestServer_Keywords(t *testing.T) {
	t.Parallel()

	svc := &fakeOrchestrator{}
	s := newTestServer(svc)

	rec := serve(t, s, http.MethodGet, "/v1/keywords/top?platform=reddit&hours=6&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, svc.lastLimit)

	rec = serve(t, s, http.MethodGet, "/v1/keywords/top?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/keywords/rollup?by=category", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, keywords.GroupByCategory, svc.lastGroupBy)

	rec = serve(t, s, http.MethodGet, "/v1/keywords/rollup?by=weekday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Dispatch(t *testing.T) {
	t.Parallel()

	svc := &fakeOrchestrator{}
	s := newTestServer(svc)

	rec := serve(t, s, http.MethodPost, "/v1/dispatch",
		`{"mode":"realtime","platform":"reddit","keywords":["eggs"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, scheduler.Realtime{Platform: "reddit", Keywords: []string{"eggs"}}, svc.lastRequest.Mode)

	rec = serve(t, s, http.MethodPost, "/v1/dispatch", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, scheduler.Scheduled{}, svc.lastRequest.Mode)

	rec = serve(t, s, http.MethodPost, "/v1/dispatch", `{"mode":"priority","rule_ids":["r1"],"platforms":["reddit"],"force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, scheduler.Request{
		Mode:      scheduler.Priority{RuleIDs: []string{"r1"}},
		Platforms: []string{"reddit"},
		Force:     true,
	}, svc.lastRequest)

	rec = serve(t, s, http.MethodPost, "/v1/dispatch", `{"mode":"hourly"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/dispatch", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = crawler.Configf("unknown keyword rule %q", "r9")
	rec = serve(t, s, http.MethodPost, "/v1/dispatch", `{"mode":"priority","rule_ids":["r9"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Pools(t *testing.T) {
	t.Parallel()

	svc := &fakeOrchestrator{}
	s := newTestServer(svc)

	rec := serve(t, s, http.MethodPost, "/v1/pools/batch/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stopped":2`)

	rec = serve(t, s, http.MethodPost, "/v1/pools/batch/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/pools/gpu/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, s, http.MethodPost, "/v1/pools/gpu/resume", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeOrchestrator{}, nil, nil, Config{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/queue?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Liveness probes stay open.
	rec = serve(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeOrchestrator{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	newTestServer(&fakeOrchestrator{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func newTestServer(svc Orchestrator) *Server {
	return NewServer(svc, nil, nil, Config{}, zap.NewNop())
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeOrchestrator struct {
	mu    sync.Mutex
	queue orchestrator.QueueStatus
	tasks orchestrator.TaskStatus
	err   error

	lastPlatform string
	lastHours    float64
	lastLimit    int
	lastGroupBy  keywords.GroupBy
	lastRequest  scheduler.Request
}

func (f *fakeOrchestrator) QueueStatus(context.Context) (orchestrator.QueueStatus, error) {
	return f.queue, f.err
}

func (f *fakeOrchestrator) TaskStatus() orchestrator.TaskStatus { return f.tasks }

func (f *fakeOrchestrator) JobStates(context.Context) ([]crawler.JobState, error) {
	return []crawler.JobState{}, f.err
}

func (f *fakeOrchestrator) RateLimitStatus(_ context.Context, _ string) (map[string]crawler.RateLimitStatus, error) {
	return map[string]crawler.RateLimitStatus{"search": {Limit: 100, Remaining: 100}}, f.err
}

func (f *fakeOrchestrator) ErrorStats(platform string, hours float64) (crawler.ErrorWindowStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPlatform, f.lastHours = platform, hours
	return crawler.ErrorWindowStat{Platform: platform, WindowHours: hours, Histogram: []crawler.ErrorCount{}}, f.err
}

func (f *fakeOrchestrator) HealthScore(_ context.Context, platform string) (health.Report, error) {
	if f.err != nil {
		return health.Report{}, f.err
	}
	return health.Report{Platform: platform, Score: 100}, nil
}

func (f *fakeOrchestrator) TopKeywords(_ string, _ float64, limit int) ([]crawler.KeywordStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return []crawler.KeywordStat{}, f.err
}

func (f *fakeOrchestrator) KeywordRollup(_ string, _ float64, by keywords.GroupBy) ([]keywords.Rollup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGroupBy = by
	return []keywords.Rollup{}, f.err
}

func (f *fakeOrchestrator) Dispatch(_ context.Context, req scheduler.Request) (dispatcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	if f.err != nil {
		return dispatcher.Result{}, f.err
	}
	return dispatcher.Result{Mode: req.Mode.Name()}, nil
}

func (f *fakeOrchestrator) StopAll(kind crawler.PoolKind) (int, error) {
	if kind != crawler.PoolStandard && kind != crawler.PoolBatch {
		return 0, fmt.Errorf("pool %q: %w", kind, crawler.ErrNotFound)
	}
	return 2, nil
}

func (f *fakeOrchestrator) Resume(kind crawler.PoolKind) error {
	_, err := f.StopAll(kind)
	return err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
