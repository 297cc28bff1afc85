package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const stateColumns = `platform, job_type, status, last_run_at, next_run_at, started_at, posts_collected, last_error_message`

// JobStateStore implements crawler.JobStateStore on the job_states table.
// TryStart is a single guarded UPDATE so concurrent orchestrators race safely.
type JobStateStore struct {
	db DB
}

// NewJobStateStore wraps db.
func NewJobStateStore(db DB) *JobStateStore {
	return &JobStateStore{db: db}
}

func scanState(row pgx.Row) (crawler.JobState, error) {
	var (
		st     crawler.JobState
		status string
	)
	if err := row.Scan(
		&st.Platform,
		&st.JobType,
		&status,
		&st.LastRunAt,
		&st.NextRunAt,
		&st.StartedAt,
		&st.PostsCollected,
		&st.LastErrorMessage,
	); err != nil {
		return crawler.JobState{}, err
	}
	st.Status = crawler.JobStatus(status)
	st.LastRunAt = st.LastRunAt.UTC()
	st.NextRunAt = st.NextRunAt.UTC()
	st.StartedAt = st.StartedAt.UTC()
	return st, nil
}

// Ensure implements crawler.JobStateStore.
func (s *JobStateStore) Ensure(ctx context.Context, key crawler.JobKey) (crawler.JobState, error) {
	query := `
		INSERT INTO job_states (` + stateColumns + `)
		VALUES ($1, $2, 'idle', $3, $3, $3, 0, '')
		ON CONFLICT (platform, job_type) DO UPDATE SET platform = EXCLUDED.platform
		RETURNING ` + stateColumns
	st, err := scanState(s.db.QueryRow(ctx, query, key.Platform, key.JobType, time.Time{}))
	if err != nil {
		return crawler.JobState{}, fmt.Errorf("ensure job state %s: %w", key, err)
	}
	return st, nil
}

// Get implements crawler.JobStateStore.
func (s *JobStateStore) Get(ctx context.Context, key crawler.JobKey) (crawler.JobState, error) {
	query := `SELECT ` + stateColumns + ` FROM job_states WHERE platform = $1 AND job_type = $2`
	st, err := scanState(s.db.QueryRow(ctx, query, key.Platform, key.JobType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.JobState{}, crawler.ErrNotFound
		}
		return crawler.JobState{}, fmt.Errorf("get job state %s: %w", key, err)
	}
	return st, nil
}

// List implements crawler.JobStateStore.
func (s *JobStateStore) List(ctx context.Context) ([]crawler.JobState, error) {
	rows, err := s.db.Query(ctx, `SELECT `+stateColumns+` FROM job_states ORDER BY platform, job_type`)
	if err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	defer rows.Close()

	var states []crawler.JobState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job states: %w", err)
	}
	return states, nil
}

// TryStart implements crawler.JobStateStore.
func (s *JobStateStore) TryStart(ctx context.Context, key crawler.JobKey, at time.Time) (crawler.JobState, bool, error) {
	if _, err := s.Ensure(ctx, key); err != nil {
		return crawler.JobState{}, false, err
	}
	query := `
		UPDATE job_states AS js
		SET status = 'running', started_at = $3
		FROM (
			SELECT ` + stateColumns + `
			FROM job_states
			WHERE platform = $1 AND job_type = $2
			FOR UPDATE
		) AS prev
		WHERE js.platform = prev.platform
			AND js.job_type = prev.job_type
			AND prev.status <> 'running'
			AND js.status <> 'running'
		RETURNING prev.platform, prev.job_type, prev.status, prev.last_run_at, prev.next_run_at,
			prev.started_at, prev.posts_collected, prev.last_error_message`
	prev, err := scanState(s.db.QueryRow(ctx, query, key.Platform, key.JobType, at))
	if err == nil {
		return prev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.JobState{}, false, fmt.Errorf("start job %s: %w", key, err)
	}
	current, err := s.Get(ctx, key)
	if err != nil {
		return crawler.JobState{}, false, err
	}
	return current, false, nil
}

func (s *JobStateStore) updateRunning(ctx context.Context, key crawler.JobKey, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, append([]any{key.Platform, key.JobType}, args...)...)
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s job %s: not running", op, key)
	}
	return nil
}

// MarkSucceeded implements crawler.JobStateStore.
func (s *JobStateStore) MarkSucceeded(
	ctx context.Context,
	key crawler.JobKey,
	finishedAt time.Time,
	nextRunAt time.Time,
	posts int64,
) error {
	return s.updateRunning(ctx, key, "complete", `
		UPDATE job_states
		SET status = 'idle', last_run_at = $3, next_run_at = $4,
			posts_collected = posts_collected + $5, last_error_message = ''
		WHERE platform = $1 AND job_type = $2 AND status = 'running'`,
		finishedAt, nextRunAt, max(0, posts))
}

// MarkFailed implements crawler.JobStateStore.
func (s *JobStateStore) MarkFailed(
	ctx context.Context,
	key crawler.JobKey,
	finishedAt time.Time,
	nextRunAt time.Time,
	errText string,
) error {
	return s.updateRunning(ctx, key, "fail", `
		UPDATE job_states
		SET status = 'failed', last_run_at = $3, next_run_at = $4, last_error_message = $5
		WHERE platform = $1 AND job_type = $2 AND status = 'running'`,
		finishedAt, nextRunAt, errText)
}

// Release implements crawler.JobStateStore.
func (s *JobStateStore) Release(ctx context.Context, key crawler.JobKey, previous crawler.JobState) error {
	status := previous.Status
	if status == crawler.JobStatusRunning || !status.Valid() {
		status = crawler.JobStatusIdle
	}
	return s.updateRunning(ctx, key, "release", `
		UPDATE job_states
		SET status = $3, started_at = $4, last_run_at = $5, next_run_at = $6
		WHERE platform = $1 AND job_type = $2 AND status = 'running'`,
		string(status), previous.StartedAt, previous.LastRunAt, previous.NextRunAt)
}

// ReclaimStale implements crawler.JobStateStore.
func (s *JobStateStore) ReclaimStale(ctx context.Context, startedBefore time.Time) ([]crawler.JobKey, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE job_states
		SET status = 'failed', last_error_message = $2
		WHERE status = 'running' AND started_at < $1
		RETURNING platform, job_type`,
		startedBefore, crawler.AbandonedRunMessage)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var keys []crawler.JobKey
	for rows.Next() {
		var key crawler.JobKey
		if err := rows.Scan(&key.Platform, &key.JobType); err != nil {
			return nil, fmt.Errorf("scan reclaimed job: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reclaimed jobs: %w", err)
	}
	return keys, nil
}
