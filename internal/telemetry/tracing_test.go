package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

// Installs a global provider, so it does not run in parallel.
func TestInitRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "orchestrator-test",
		SampleRatio: 1,
	}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "dispatch")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "dispatch", ended[0].Name())
	require.Equal(t, InstrumentationName, ended[0].InstrumentationScope().Name)
	require.NoError(t, shutdown(context.Background()))
}
