// Package orchestrator exposes the read and control surface of the crawl
// orchestrator to the HTTP API and the CLI.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/errortracker"
	"github.com/JakeFAU/crawl-orchestrator/internal/health"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

// Overall queue states.
const (
	QueueIdle       = "idle"
	QueueHealthy    = "healthy"
	QueueBacklogged = "backlogged"
)

// PlatformQueue counts one platform's pending units.
type PlatformQueue struct {
	PendingCount int `json:"pending_count"`
	OverdueCount int `json:"overdue_count"`
	RunningCount int `json:"running_count"`
}

// QueueSummary rolls PlatformQueue up across platforms.
type QueueSummary struct {
	TotalPendingJobs int    `json:"total_pending_jobs"`
	OverallStatus    string `json:"overall_status"`
}

// QueueStatus is the scheduling backlog view.
type QueueStatus struct {
	PerPlatform map[string]PlatformQueue `json:"per_platform"`
	Summary     QueueSummary             `json:"summary"`
}

// PoolStatus describes one worker pool.
type PoolStatus struct {
	ActiveTasks int  `json:"active_tasks"`
	QueuedTasks int  `json:"queued_tasks"`
	Paused      bool `json:"paused"`
}

// TaskStatus reports the batch pool at the top level plus every pool by kind.
type TaskStatus struct {
	ActiveTasks   int                             `json:"active_tasks"`
	QueuedTasks   int                             `json:"queued_tasks"`
	MemoryUsageMB float64                         `json:"memory_usage_mb"`
	Pools         map[crawler.PoolKind]PoolStatus `json:"pools"`
}

// RateLimits is implemented by ratelimit.Manager.
type RateLimits interface {
	Status(ctx context.Context, platform string) (map[string]crawler.RateLimitStatus, error)
}

// Dependencies wires the Service.
type Dependencies struct {
	Catalog    *crawler.Catalog
	States     crawler.JobStateStore
	RateLimits RateLimits
	Errors     *errortracker.Tracker
	Health     *health.Scorer
	Keywords   *keywords.Aggregator
	Dispatcher *dispatcher.Dispatcher
	Clock      crawler.Clock
}

// Service is the orchestrator facade.
type Service struct {
	deps   Dependencies
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Dependencies, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger.Named("orchestrator")}
}

// Catalog returns the platform catalog.
func (s *Service) Catalog() *crawler.Catalog { return s.deps.Catalog }

// Dispatch runs one dispatch request.
func (s *Service) Dispatch(ctx context.Context, req scheduler.Request) (dispatcher.Result, error) {
	return s.deps.Dispatcher.Dispatch(ctx, req)
}

// StopAll stops a pool.
func (s *Service) StopAll(kind crawler.PoolKind) (int, error) {
	return s.deps.Dispatcher.StopAll(kind)
}

// Resume re-opens a stopped pool.
func (s *Service) Resume(kind crawler.PoolKind) error {
	return s.deps.Dispatcher.Resume(kind)
}

// JobStates lists every persisted job state.
func (s *Service) JobStates(ctx context.Context) ([]crawler.JobState, error) {
	states, err := s.deps.States.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	return states, nil
}

// QueueStatus counts overdue and running units of every enabled platform.
// Keys without a persisted state are due immediately and count as overdue.
func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	states, err := s.JobStates(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	byKey := make(map[crawler.JobKey]crawler.JobState, len(states))
	for _, st := range states {
		byKey[st.Key()] = st
	}

	now := s.deps.Clock.Now()
	out := QueueStatus{PerPlatform: make(map[string]PlatformQueue)}
	overdueTotal := 0
	for _, p := range s.deps.Catalog.Enabled() {
		var q PlatformQueue
		for _, key := range s.deps.Catalog.KeysFor(p.Name) {
			st, ok := byKey[key]
			if !ok {
				st = crawler.JobState{Platform: key.Platform, JobType: key.JobType, Status: crawler.JobStatusIdle}
			}
			switch {
			case st.Status == crawler.JobStatusRunning:
				q.RunningCount++
			case st.IsOverdue(now):
				q.OverdueCount++
			}
		}
		q.PendingCount = q.OverdueCount + q.RunningCount
		out.PerPlatform[p.Name] = q
		out.Summary.TotalPendingJobs += q.PendingCount
		overdueTotal += q.OverdueCount
	}
	switch {
	case out.Summary.TotalPendingJobs == 0:
		out.Summary.OverallStatus = QueueIdle
	case overdueTotal > 0:
		out.Summary.OverallStatus = QueueBacklogged
	default:
		out.Summary.OverallStatus = QueueHealthy
	}
	return out, nil
}

// TaskStatus reports pool load and process memory.
func (s *Service) TaskStatus() TaskStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out := TaskStatus{
		MemoryUsageMB: float64(mem.Alloc) / (1024 * 1024),
		Pools:         make(map[crawler.PoolKind]PoolStatus),
	}
	for _, kind := range []crawler.PoolKind{crawler.PoolStandard, crawler.PoolBatch} {
		pool, ok := s.deps.Dispatcher.Pool(kind)
		if !ok {
			continue
		}
		ps := PoolStatus{
			ActiveTasks: pool.Active(),
			QueuedTasks: pool.Queued(),
			Paused:      s.deps.Dispatcher.Paused(kind),
		}
		out.Pools[kind] = ps
		if kind == crawler.PoolBatch {
			out.ActiveTasks = ps.ActiveTasks
			out.QueuedTasks = ps.QueuedTasks
		}
	}
	return out
}

// RateLimitStatus returns every endpoint window of the platform.
func (s *Service) RateLimitStatus(ctx context.Context, platform string) (map[string]crawler.RateLimitStatus, error) {
	return s.deps.RateLimits.Status(ctx, platform)
}

// ErrorStats summarizes the platform's failures over the trailing window.
func (s *Service) ErrorStats(platform string, windowHours float64) (crawler.ErrorWindowStat, error) {
	if _, err := s.deps.Catalog.RequirePlatform(platform); err != nil {
		return crawler.ErrorWindowStat{}, err
	}
	return s.deps.Errors.Stats(platform, windowHours), nil
}

// HealthScore returns the platform's health report.
func (s *Service) HealthScore(ctx context.Context, platform string) (health.Report, error) {
	return s.deps.Health.Breakdown(ctx, platform)
}

// TopKeywords returns keyword stats for platform ("" = all platforms).
func (s *Service) TopKeywords(platform string, windowHours float64, limit int) ([]crawler.KeywordStat, error) {
	if platform != "" {
		if _, err := s.deps.Catalog.RequirePlatform(platform); err != nil {
			return nil, err
		}
	}
	return s.deps.Keywords.TopKeywords(platform, windowHours, limit), nil
}

// KeywordRollup groups matches by keyword, category or priority.
func (s *Service) KeywordRollup(platform string, windowHours float64, by keywords.GroupBy) ([]keywords.Rollup, error) {
	if platform != "" {
		if _, err := s.deps.Catalog.RequirePlatform(platform); err != nil {
			return nil, err
		}
	}
	return s.deps.Keywords.Rollup(platform, windowHours, by)
}
