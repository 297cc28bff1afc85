package crawler

import (
	"context"
	"time"
)

// JobStateStore persists one scheduling state machine per JobKey.
type JobStateStore interface {
	// Ensure returns the state for key, creating an idle record when none exists.
	Ensure(ctx context.Context, key JobKey) (JobState, error)
	// Get returns the state for key or ErrNotFound.
	Get(ctx context.Context, key JobKey) (JobState, error)
	// List returns every known state ordered by platform then job type.
	List(ctx context.Context) ([]JobState, error)
	// TryStart atomically moves key from idle/failed to running. It returns the state
	// observed before the transition and false when the key was already running.
	TryStart(ctx context.Context, key JobKey, at time.Time) (JobState, bool, error)
	// MarkSucceeded moves a running key to idle and advances its schedule.
	MarkSucceeded(ctx context.Context, key JobKey, finishedAt, nextRunAt time.Time, posts int64) error
	// MarkFailed moves a running key to failed and records the error text.
	MarkFailed(ctx context.Context, key JobKey, finishedAt, nextRunAt time.Time, errText string) error
	// Release restores a running key to the status and schedule it had before TryStart.
	Release(ctx context.Context, key JobKey, previous JobState) error
	// ReclaimStale marks keys still running since before startedBefore as failed with
	// AbandonedRunMessage, leaving their schedule untouched, and returns them.
	ReclaimStale(ctx context.Context, startedBefore time.Time) ([]JobKey, error)
}

// RuleSource lists operator keyword rules.
type RuleSource interface {
	Rules(ctx context.Context) ([]KeywordRule, error)
}

// Runner executes one crawl unit against an external platform.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// QuotaGate is handed to runners so every external call is budgeted first.
type QuotaGate interface {
	// Reserve consumes count calls on endpoint ("" means the platform's primary
	// endpoint). It returns ErrQuotaExhausted when the window is spent.
	Reserve(ctx context.Context, endpoint string, count int) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// ActiveRules filters rules down to the active ones.
func ActiveRules(rules []KeywordRule) []KeywordRule {
	out := make([]KeywordRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}
