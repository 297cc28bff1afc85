// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a crawl unit.
type JobStatus string

// Job status values persisted in the job state store.
const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusFailed  JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusIdle, JobStatusRunning, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobKey identifies one schedulable crawl unit.
type JobKey struct {
	Platform string `json:"platform"`
	JobType  string `json:"job_type"`
}

// String renders the key as platform/job_type.
func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s", k.Platform, k.JobType)
}

// JobState is the durable scheduling record for one JobKey.
type JobState struct {
	Platform         string    `json:"platform"`
	JobType          string    `json:"job_type"`
	Status           JobStatus `json:"status"`
	LastRunAt        time.Time `json:"last_run_at"`
	NextRunAt        time.Time `json:"next_run_at"`
	StartedAt        time.Time `json:"started_at"`
	PostsCollected   int64     `json:"posts_collected"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
}

// Key returns the identity of the state record.
func (s JobState) Key() JobKey {
	return JobKey{Platform: s.Platform, JobType: s.JobType}
}

// IsOverdue reports whether the unit is waiting past its due time.
func (s JobState) IsOverdue(now time.Time) bool {
	return s.Status != JobStatusRunning && !now.Before(s.NextRunAt)
}

// OverdueBy returns how long the unit has been due, or zero if it is not overdue.
func (s JobState) OverdueBy(now time.Time) time.Duration {
	if !s.IsOverdue(now) {
		return 0
	}
	return now.Sub(s.NextRunAt)
}

// RateLimitWindow is a counted call budget for one platform endpoint.
type RateLimitWindow struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// IsLimited reports whether the window is exhausted at now.
func (w RateLimitWindow) IsLimited(now time.Time) bool {
	return w.Remaining <= 0 && now.Before(w.ResetAt)
}

// RateLimitStatus is the externally visible view of a window.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	IsLimited bool      `json:"is_limited"`
}

// StatusAt converts the window into its status at now.
func (w RateLimitWindow) StatusAt(now time.Time) RateLimitStatus {
	return RateLimitStatus{
		Limit:     w.Limit,
		Remaining: w.Remaining,
		ResetAt:   w.ResetAt,
		IsLimited: w.IsLimited(now),
	}
}

// ErrorCount is one histogram bucket of normalized error messages.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// ErrorWindowStat summarizes platform outcomes over a trailing window.
type ErrorWindowStat struct {
	Platform            string       `json:"platform"`
	WindowHours         float64      `json:"window_hours"`
	TotalErrors         int          `json:"total_errors"`
	ErrorRate           float64      `json:"error_rate"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Histogram           []ErrorCount `json:"error_histogram"`
}

// Priority ranks keyword rules and the units they cover.
type Priority string

// Supported priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities; unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// KeywordRule is operator configuration describing what to watch for and how often.
type KeywordRule struct {
	ID                   string   `json:"id" mapstructure:"id"`
	Name                 string   `json:"name" mapstructure:"name"`
	Keywords             []string `json:"keywords" mapstructure:"keywords"`
	Platforms            []string `json:"platforms" mapstructure:"platforms"`
	JobTypes             []string `json:"job_types,omitempty" mapstructure:"job_types"`
	Priority             Priority `json:"priority" mapstructure:"priority"`
	MaxPostsPerHour      int      `json:"max_posts_per_hour" mapstructure:"max_posts_per_hour"`
	CrawlIntervalMinutes int      `json:"crawl_interval_minutes" mapstructure:"crawl_interval_minutes"`
	Active               bool     `json:"active" mapstructure:"active"`
}

// Covers reports whether the rule applies to key.
func (r KeywordRule) Covers(key JobKey) bool {
	if !slices.Contains(r.Platforms, key.Platform) {
		return false
	}
	return len(r.JobTypes) == 0 || slices.Contains(r.JobTypes, key.JobType)
}

// CrawlInterval returns the rule's own cadence, or zero when unset.
func (r KeywordRule) CrawlInterval() time.Duration {
	if r.CrawlIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(r.CrawlIntervalMinutes) * time.Minute
}

// KeywordMatch is one matched keyword within a single post.
type KeywordMatch struct {
	Keyword    string   `json:"keyword"`
	Category   string   `json:"category"`
	Priority   Priority `json:"priority"`
	MatchCount int      `json:"match_count"`
}

// PostMatches groups the matches produced for one post.
type PostMatches struct {
	PostID  string         `json:"post_id"`
	Matches []KeywordMatch `json:"matches"`
}

// KeywordStat is an aggregated keyword rollup.
type KeywordStat struct {
	Keyword      string   `json:"keyword"`
	Category     string   `json:"category"`
	Priority     Priority `json:"priority"`
	PostsMatched int      `json:"posts_matched"`
	TotalMatches int      `json:"total_matches"`
}

// SkipReason explains why a unit was not submitted.
type SkipReason string

// Skip reasons reported by the scheduler and dispatcher.
const (
	SkipNotDue          SkipReason = "not due"
	SkipRateLimited     SkipReason = "rate-limited"
	SkipAlreadyRunning  SkipReason = "already running"
	SkipCircuitOpen     SkipReason = "circuit-open"
	SkipPoolStopped     SkipReason = "pool stopped"
	SkipPoolUnavailable SkipReason = "pool unavailable"
	SkipStoreError      SkipReason = "store error"
)

// Skip records a unit that was considered but not submitted.
type Skip struct {
	Key    JobKey     `json:"key"`
	Reason SkipReason `json:"reason"`
	// Until is the next time the unit may become eligible, when known.
	Until time.Time `json:"until,omitempty"`
	// Detail is optional human readable context.
	Detail string `json:"detail,omitempty"`
}

// PoolKind selects the worker pool a unit runs on.
type PoolKind string

// Pool kinds.
const (
	PoolStandard PoolKind = "standard"
	PoolBatch    PoolKind = "batch"
)

// Task is a unit handed to a worker pool.
type Task struct {
	ID        string
	Key       JobKey
	Mode      string
	Pool      PoolKind
	Priority  Priority
	Keywords  []string
	MaxPosts  int
	Previous  JobState
	Submitted time.Time
}

// QuotaUpdate carries authoritative quota headers observed by a runner.
type QuotaUpdate struct {
	Endpoint  string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RunRequest is passed to a Runner for one unit execution.
type RunRequest struct {
	TaskID   string
	Key      JobKey
	Keywords []string
	MaxPosts int
	Quota    QuotaGate
}

// RunResult is returned by a Runner after a successful execution.
type RunResult struct {
	PostsCollected int
	Matches        []PostMatches
	Quotas         []QuotaUpdate
}

// RateLimitSnapshot is a durable copy of one window.
type RateLimitSnapshot struct {
	Platform   string          `json:"platform"`
	Endpoint   string          `json:"endpoint"`
	Window     RateLimitWindow `json:"window"`
	CapturedAt time.Time       `json:"captured_at"`
}
