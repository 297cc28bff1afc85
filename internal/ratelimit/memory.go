package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// MemoryBackend keeps windows in process, one mutex per window.
type MemoryBackend struct {
	mu    sync.RWMutex
	cells map[WindowKey]*cell
}

type cell struct {
	mu     sync.Mutex
	window crawler.RateLimitWindow
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{cells: make(map[WindowKey]*cell)}
}

func (b *MemoryBackend) cell(key WindowKey, spec crawler.EndpointSpec, now time.Time) *cell {
	b.mu.RLock()
	c, ok := b.cells[key]
	b.mu.RUnlock()
	if ok {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.cells[key]; ok {
		return c
	}
	c = &cell{window: freshWindow(spec, now)}
	b.cells[key] = c
	return c
}

// Reserve implements Backend.
func (b *MemoryBackend) Reserve(
	_ context.Context,
	key WindowKey,
	spec crawler.EndpointSpec,
	count int,
	now time.Time,
) (crawler.RateLimitWindow, bool, error) {
	c := b.cell(key, spec, now)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window, _ = ResetIfDue(c.window, spec.Window, now)
	if count <= 0 {
		return c.window, true, nil
	}
	if c.window.Remaining < count {
		return c.window, false, nil
	}
	c.window.Remaining -= count
	return c.window, true, nil
}

// Sync implements Backend.
func (b *MemoryBackend) Sync(
	_ context.Context,
	key WindowKey,
	spec crawler.EndpointSpec,
	window crawler.RateLimitWindow,
	now time.Time,
) (crawler.RateLimitWindow, error) {
	c := b.cell(key, spec, now)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = syncedWindow(spec, window, now)
	return c.window, nil
}
