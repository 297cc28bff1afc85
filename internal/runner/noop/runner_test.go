package noop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

type fakeGate struct {
	calls []string
	err   error
}

func (g *fakeGate) Reserve(_ context.Context, endpoint string, count int) error {
	g.calls = append(g.calls, fmt.Sprintf("%q:%d", endpoint, count))
	return g.err
}

func TestRunReservesPrimaryCall(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{}
	res, err := New(0, nil).Run(context.Background(), crawler.RunRequest{
		TaskID: "t-1",
		Key:    crawler.JobKey{Platform: "reddit", JobType: "keyword_search"},
		Quota:  gate,
	})
	require.NoError(t, err)
	require.Zero(t, res.PostsCollected)
	require.Equal(t, []string{`"":1`}, gate.calls)
}

func TestRunPropagatesQuotaDenial(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{err: fmt.Errorf("search: %w", crawler.ErrQuotaExhausted)}
	_, err := New(0, nil).Run(context.Background(), crawler.RunRequest{
		Key:   crawler.JobKey{Platform: "reddit", JobType: "keyword_search"},
		Quota: gate,
	})
	require.True(t, errors.Is(err, crawler.ErrQuotaExhausted))
}

func TestRunHonorsContextDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := New(time.Minute, nil).Run(ctx, crawler.RunRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
