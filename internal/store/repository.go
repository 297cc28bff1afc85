package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// RunStatus mirrors the unit_runs status column.
type RunStatus string

// Unit run statuses persisted in unit_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunReleased RunStatus = "released"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunReleased:
		return true
	default:
		return false
	}
}

// UnitRun models one execution of a crawl unit.
type UnitRun struct {
	// ID is the task ID shared with workers and progress events.
	ID       uuid.UUID `json:"id"`
	Platform string    `json:"platform"`
	JobType  string    `json:"job_type"`
	Mode     string    `json:"mode"`
	// StartedAt captures when the worker picked the unit up.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run completes or is released.
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         RunStatus  `json:"status"`
	PostsCollected int64      `json:"posts_collected"`
	// ErrorMessage optionally stores the failure or release reason.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Key returns the unit's job key.
func (r UnitRun) Key() crawler.JobKey {
	return crawler.JobKey{Platform: r.Platform, JobType: r.JobType}
}

// RunRepository persists the unit run history. Finished success and error
// rows double as the durable outcome log.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running row.
	UpsertRunStart(ctx context.Context, id uuid.UUID, key crawler.JobKey, mode string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status.
	CompleteRun(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		posts int64,
		errMsg *string,
	) error
	// GetRun returns one run or crawler.ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (UnitRun, error)
	// ListRuns pages through runs, newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]UnitRun, error)
	// ListOutcomesSince returns success and error runs finished at or after since, oldest first.
	ListOutcomesSince(ctx context.Context, since time.Time) ([]UnitRun, error)
}

// MatchRow is one keyword matched in one post.
type MatchRow struct {
	Platform  string
	PostID    string
	RunID     uuid.UUID
	MatchedAt time.Time
	Match     crawler.KeywordMatch
}

// MatchRepository persists the append-only keyword match log.
type MatchRepository interface {
	// InsertMatches stores the matches of a run; rows already present are ignored.
	InsertMatches(
		ctx context.Context,
		runID uuid.UUID,
		platform string,
		at time.Time,
		posts []crawler.PostMatches,
	) error
	// ListMatchesSince returns rows matched at or after since, oldest first.
	ListMatchesSince(ctx context.Context, since time.Time) ([]MatchRow, error)
}

// SnapshotRepository persists rate-limit windows across restarts.
type SnapshotRepository interface {
	SaveSnapshots(ctx context.Context, snaps []crawler.RateLimitSnapshot) error
	LoadSnapshots(ctx context.Context) ([]crawler.RateLimitSnapshot, error)
}
