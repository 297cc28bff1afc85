// Package health computes the composite per-platform health score used to
// gate and prioritise dispatch.
package health

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Inputs are the signals the score is derived from.
type Inputs struct {
	ErrorRate           float64 `json:"error_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LimitedEndpoints    int     `json:"limited_endpoints"`
	FailedJobs          int     `json:"failed_jobs"`
	OverdueJobs         int     `json:"overdue_jobs"`
}

// Compute returns
// 100 - min(30, 2*errorRate) - min(20, 4*consecutiveFailures) - 10*limited - 5*failed - 3*overdue
// clamped to [0, 100] and floored.
func Compute(in Inputs) int {
	score := 100.0
	score -= math.Min(30, math.Max(0, in.ErrorRate)*2)
	score -= math.Min(20, float64(max(0, in.ConsecutiveFailures))*4)
	score -= 10 * float64(max(0, in.LimitedEndpoints))
	score -= 5 * float64(max(0, in.FailedJobs))
	score -= 3 * float64(max(0, in.OverdueJobs))
	return int(math.Floor(math.Max(0, math.Min(100, score))))
}

// Report is a score together with the inputs that produced it.
type Report struct {
	Platform string `json:"platform"`
	Score    int    `json:"score"`
	Inputs   Inputs `json:"inputs"`
}

// ErrorSource reports rolling error statistics.
type ErrorSource interface {
	Stats(platform string, windowHours float64) crawler.ErrorWindowStat
}

// LimitSource counts spent rate-limit windows.
type LimitSource interface {
	LimitedEndpoints(ctx context.Context, platform string) (int, error)
}

// Scorer gathers Inputs from the live components.
type Scorer struct {
	catalog     *crawler.Catalog
	errors      ErrorSource
	limits      LimitSource
	states      crawler.JobStateStore
	clock       crawler.Clock
	windowHours float64
	logger      *zap.Logger
}

// NewScorer wires a Scorer. windowHours is the error window used for the error rate.
func NewScorer(
	catalog *crawler.Catalog,
	errs ErrorSource,
	limits LimitSource,
	states crawler.JobStateStore,
	clock crawler.Clock,
	windowHours float64,
	logger *zap.Logger,
) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		catalog:     catalog,
		errors:      errs,
		limits:      limits,
		states:      states,
		clock:       clock,
		windowHours: windowHours,
		logger:      logger,
	}
}

// Score returns the platform's current health score.
func (s *Scorer) Score(ctx context.Context, platform string) (int, error) {
	report, err := s.Breakdown(ctx, platform)
	if err != nil {
		return 0, err
	}
	return report.Score, nil
}

// Breakdown returns the score and its inputs. Job counts cover the platform's
// catalog keys; a key with no persisted state is due and counts as overdue.
func (s *Scorer) Breakdown(ctx context.Context, platform string) (Report, error) {
	if _, err := s.catalog.RequirePlatform(platform); err != nil {
		return Report{}, err
	}
	stat := s.errors.Stats(platform, s.windowHours)
	limited, err := s.limits.LimitedEndpoints(ctx, platform)
	if err != nil {
		return Report{}, fmt.Errorf("count limited endpoints: %w", err)
	}
	states, err := s.states.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list job states: %w", err)
	}

	in := Inputs{
		ErrorRate:           stat.ErrorRate,
		ConsecutiveFailures: stat.ConsecutiveFailures,
		LimitedEndpoints:    limited,
	}
	byKey := make(map[crawler.JobKey]crawler.JobState, len(states))
	for _, st := range states {
		byKey[st.Key()] = st
	}
	now := s.clock.Now()
	for _, key := range s.catalog.KeysFor(platform) {
		st, ok := byKey[key]
		if !ok {
			st = crawler.JobState{Platform: key.Platform, JobType: key.JobType, Status: crawler.JobStatusIdle}
		}
		if st.Status == crawler.JobStatusFailed {
			in.FailedJobs++
		}
		if st.IsOverdue(now) {
			in.OverdueJobs++
		}
	}
	return Report{Platform: platform, Score: Compute(in), Inputs: in}, nil
}

// Refresh recomputes every enabled platform and publishes the health gauges.
func (s *Scorer) Refresh(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, p := range s.catalog.Enabled() {
		report, err := s.Breakdown(ctx, p.Name)
		if err != nil {
			return reports, err
		}
		metrics.SetHealthScore(p.Name, report.Score)
		metrics.SetConsecutiveFailures(p.Name, report.Inputs.ConsecutiveFailures)
		s.logger.Debug("health refreshed",
			zap.String("platform", p.Name),
			zap.Int("score", report.Score),
		)
		reports = append(reports, report)
	}
	return reports, nil
}
