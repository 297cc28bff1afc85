package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

func unitEvent(id [16]byte, stage progress.Stage, at time.Time) progress.Event {
	return progress.Event{
		TaskID:   id,
		TS:       at,
		Stage:    stage,
		Platform: "reddit",
		JobType:  "keyword_search",
		Mode:     "scheduled",
	}
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ok := progress.UUIDToBytes(uuid.New())
	bad := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	done := unitEvent(ok, progress.StageUnitDone, now.Add(15*time.Second))
	done.Posts = 40
	done.Dur = 15 * time.Second
	failed := unitEvent(bad, progress.StageUnitError, now.Add(2*time.Second))
	failed.Dur = 2 * time.Second

	batch := []progress.Event{
		unitEvent(ok, progress.StageUnitSubmit, now),
		unitEvent(ok, progress.StageUnitStart, now),
		unitEvent(bad, progress.StageUnitStart, now),
		done,
		failed,
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsSubmitted.WithLabelValues("scheduled")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.unitsStarted.WithLabelValues("reddit")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsCompleted.WithLabelValues("reddit", "success")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsCompleted.WithLabelValues("reddit", "error")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.unitsRunning), 1e-9)
	require.InDelta(t, 40.0, testutil.ToFloat64(sink.postsCollected.WithLabelValues("reddit")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.unitRuntime, "orchestrator_unit_runtime_seconds"))
}

// TestPrometheusSinkIgnoresUnknownCompletion keeps the running gauge from going negative.
func TestPrometheusSinkIgnoresUnknownCompletion(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		unitEvent(id, progress.StageUnitCanceled, time.Now()),
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.unitsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsCompleted.WithLabelValues("reddit", "canceled")), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
