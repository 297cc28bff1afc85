package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var (
	stateCols = []string{
		"platform", "job_type", "status", "last_run_at", "next_run_at", "started_at", "posts_collected", "last_error_message",
	}
	testKey = crawler.JobKey{Platform: "reddit", JobType: "keyword_search"}
	now     = time.Unix(1750000000, 0).UTC()
)

func stateRow(status string, next time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(stateCols).
		AddRow("reddit", "keyword_search", status, now.Add(-time.Hour), next, now.Add(-time.Hour), int64(7), "")
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestJobStateEnsure(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)

	mock.ExpectQuery("INSERT INTO job_states").
		WithArgs("reddit", "keyword_search", time.Time{}).
		WillReturnRows(stateRow("idle", now))

	st, err := s.Ensure(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusIdle, st.Status)
	require.Equal(t, int64(7), st.PostsCollected)
	require.Equal(t, now, st.NextRunAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateGetNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)

	mock.ExpectQuery("SELECT .* FROM job_states WHERE").
		WithArgs("reddit", "keyword_search").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), testKey)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateTryStartWins(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)

	mock.ExpectQuery("INSERT INTO job_states").
		WithArgs("reddit", "keyword_search", time.Time{}).
		WillReturnRows(stateRow("failed", now))
	mock.ExpectQuery("UPDATE job_states AS js").
		WithArgs("reddit", "keyword_search", now).
		WillReturnRows(stateRow("failed", now))

	prev, started, err := s.TryStart(context.Background(), testKey, now)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, crawler.JobStatusFailed, prev.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateTryStartLoses(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)

	mock.ExpectQuery("INSERT INTO job_states").
		WithArgs("reddit", "keyword_search", time.Time{}).
		WillReturnRows(stateRow("running", now))
	mock.ExpectQuery("UPDATE job_states AS js").
		WithArgs("reddit", "keyword_search", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM job_states WHERE").
		WithArgs("reddit", "keyword_search").
		WillReturnRows(stateRow("running", now))

	current, started, err := s.TryStart(context.Background(), testKey, now)
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, crawler.JobStatusRunning, current.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateCompletion(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)
	ctx := context.Background()
	next := now.Add(15 * time.Minute)

	mock.ExpectExec("UPDATE job_states").
		WithArgs("reddit", "keyword_search", now, next, int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.MarkSucceeded(ctx, testKey, now, next, 12))

	mock.ExpectExec("UPDATE job_states").
		WithArgs("reddit", "keyword_search", now, next, "HTTP 503").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorContains(t, s.MarkFailed(ctx, testKey, now, next, "HTTP 503"), "not running")

	prev := crawler.JobState{Status: crawler.JobStatusFailed, StartedAt: now, LastRunAt: now, NextRunAt: next}
	mock.ExpectExec("UPDATE job_states").
		WithArgs("reddit", "keyword_search", "failed", now, now, next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.Release(ctx, testKey, prev))

	mock.ExpectExec("UPDATE job_states").
		WithArgs("reddit", "keyword_search", now, next, int64(0)).
		WillReturnError(errors.New("conn reset"))
	require.ErrorContains(t, s.MarkSucceeded(ctx, testKey, now, next, -5), "conn reset")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateList(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)

	rows := pgxmock.NewRows(stateCols).
		AddRow("reddit", "comments", "idle", now, now, now, int64(1), "").
		AddRow("twitter", "search", "failed", now, now, now, int64(0), "HTTP 500")
	mock.ExpectQuery("SELECT .* FROM job_states ORDER BY").WillReturnRows(rows)

	states, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, "HTTP 500", states[1].LastErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStateReclaimStale(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s := NewJobStateStore(mock)
	cutoff := now.Add(-6 * time.Minute)

	mock.ExpectQuery("UPDATE job_states\\s+SET status = 'failed'").
		WithArgs(cutoff, crawler.AbandonedRunMessage).
		WillReturnRows(pgxmock.NewRows([]string{"platform", "job_type"}).AddRow("reddit", "keyword_search"))

	keys, err := s.ReclaimStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobKey{testKey}, keys)

	mock.ExpectQuery("UPDATE job_states").
		WithArgs(cutoff, crawler.AbandonedRunMessage).
		WillReturnError(errors.New("conn reset"))
	_, err = s.ReclaimStale(context.Background(), cutoff)
	require.ErrorContains(t, err, "reclaim stale jobs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
