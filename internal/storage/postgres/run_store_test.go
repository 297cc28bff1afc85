package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

var runCols = []string{
	"id", "platform", "job_type", "mode", "started_at", "finished_at", "status", "posts_collected", "error_message",
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewRunStore(mock)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())

	mock.ExpectExec("INSERT INTO unit_runs").
		WithArgs(id, "reddit", "keyword_search", "scheduled", now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.UpsertRunStart(ctx, id, testKey, "scheduled", now))

	msg := "HTTP 500"
	mock.ExpectExec("UPDATE unit_runs").
		WithArgs(now, "error", int64(0), &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.CompleteRun(ctx, id, now, store.RunError, 0, &msg))

	mock.ExpectExec("UPDATE unit_runs").
		WithArgs(now, "success", int64(3), (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.CompleteRun(ctx, id, now, store.RunSuccess, 3, nil), crawler.ErrNotFound)

	require.Error(t, s.CompleteRun(ctx, id, now, store.RunRunning, 0, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewRunStore(mock)
	id := uuid.Must(uuid.NewV7())
	finished := now.Add(time.Minute)
	note := "quota exhausted"

	mock.ExpectQuery("SELECT .* FROM unit_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(id, "reddit", "keyword_search", "priority", now, &finished, "released", int64(0), &note))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.RunReleased, run.Status)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, testKey, run.Key())

	mock.ExpectQuery("SELECT .* FROM unit_runs WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListOutcomesSince(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewRunStore(mock)
	since := now.Add(-24 * time.Hour)
	finished := now
	errText := "timeout"

	mock.ExpectQuery("SELECT .* FROM unit_runs WHERE finished_at").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(uuid.Must(uuid.NewV7()), "reddit", "search", "scheduled", now, &finished, "error", int64(0), &errText).
			AddRow(uuid.Must(uuid.NewV7()), "reddit", "search", "scheduled", now, &finished, "success", int64(5), &errText))

	runs, err := s.ListOutcomesSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, store.RunError, runs[0].Status)

	status := store.RunSuccess
	mock.ExpectQuery("SELECT .* FROM unit_runs").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(pgxmock.NewRows(runCols))
	listed, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Empty(t, listed)
	require.NoError(t, mock.ExpectationsWereMet())
}
