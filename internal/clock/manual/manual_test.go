package manual

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	require.Equal(t, start, clk.Now())

	require.Equal(t, start.Add(time.Minute), clk.Advance(time.Minute))
	require.Equal(t, start.Add(time.Minute), clk.Now())

	later := start.Add(24 * time.Hour)
	clk.Set(later)
	require.Equal(t, later, clk.Now())
}

func TestClockConcurrentAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clk.Advance(time.Second)
		}()
	}
	wg.Wait()
	require.Equal(t, start.Add(50*time.Second), clk.Now())
}
