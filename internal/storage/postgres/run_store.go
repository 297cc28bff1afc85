package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

const runColumns = `id, platform, job_type, mode, started_at, finished_at, status, posts_collected, error_message`

// RunStore implements store.RunRepository using the unit_runs table.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// UpsertRunStart inserts or refreshes a running row.
func (s *RunStore) UpsertRunStart(
	ctx context.Context,
	id uuid.UUID,
	key crawler.JobKey,
	mode string,
	startedAt time.Time,
) error {
	query := `
		INSERT INTO unit_runs (id, platform, job_type, mode, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at
		WHERE unit_runs.status = EXCLUDED.status;
	`
	_, err := s.db.Exec(ctx, query, id, key.Platform, key.JobType, mode, startedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	posts int64,
	errMsg *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid terminal run status %q", status)
	}
	query := `
		UPDATE unit_runs
		SET finished_at = $1, status = $2, posts_collected = $3, error_message = $4
		WHERE id = $5;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, string(status), posts, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (store.UnitRun, error) {
	var (
		run    store.UnitRun
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.Platform,
		&run.JobType,
		&run.Mode,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.PostsCollected,
		&run.ErrorMessage,
	); err != nil {
		return store.UnitRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.UnitRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM unit_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.UnitRun{}, crawler.ErrNotFound
		}
		return store.UnitRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.UnitRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := `
		SELECT ` + runColumns + `
		FROM unit_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	return s.queryRuns(ctx, query, filter, limit, offset)
}

// ListOutcomesSince returns finished success and error runs, oldest first.
func (s *RunStore) ListOutcomesSince(ctx context.Context, since time.Time) ([]store.UnitRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM unit_runs
		WHERE finished_at >= $1 AND status IN ('success', 'error')
		ORDER BY finished_at ASC;
	`
	return s.queryRuns(ctx, query, since)
}

func (s *RunStore) queryRuns(ctx context.Context, query string, args ...any) ([]store.UnitRun, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.UnitRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}
