// Package ratelimit budgets external calls per (platform, endpoint) window and
// paces call spacing per platform.
package ratelimit

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// WindowKey identifies one rate-limit window.
type WindowKey struct {
	Platform string
	Endpoint string
}

// Backend stores windows and applies the atomic reset-if-due primitive.
// Implementations must make Reserve a single atomic step per window.
type Backend interface {
	// Reserve resets the window when due and then consumes count calls if the
	// budget allows it. A count of zero only applies the reset.
	Reserve(
		ctx context.Context,
		key WindowKey,
		spec crawler.EndpointSpec,
		count int,
		now time.Time,
	) (crawler.RateLimitWindow, bool, error)
	// Sync overwrites the window with authoritative values.
	Sync(
		ctx context.Context,
		key WindowKey,
		spec crawler.EndpointSpec,
		window crawler.RateLimitWindow,
		now time.Time,
	) (crawler.RateLimitWindow, error)
}

// ResetIfDue refills w when now has reached its reset time. The second return
// value reports whether a reset happened.
func ResetIfDue(w crawler.RateLimitWindow, window time.Duration, now time.Time) (crawler.RateLimitWindow, bool) {
	if now.Before(w.ResetAt) {
		return w, false
	}
	w.Remaining = w.Limit
	w.ResetAt = now.Add(window)
	return w, true
}

// clampWindow keeps remaining within [0, limit].
func clampWindow(w crawler.RateLimitWindow) crawler.RateLimitWindow {
	if w.Remaining > w.Limit {
		w.Remaining = w.Limit
	}
	if w.Remaining < 0 {
		w.Remaining = 0
	}
	return w
}

func freshWindow(spec crawler.EndpointSpec, now time.Time) crawler.RateLimitWindow {
	return crawler.RateLimitWindow{
		Limit:     spec.Limit,
		Remaining: spec.Limit,
		ResetAt:   now.Add(spec.Window),
	}
}

func syncedWindow(spec crawler.EndpointSpec, w crawler.RateLimitWindow, now time.Time) crawler.RateLimitWindow {
	if w.Limit <= 0 {
		w.Limit = spec.Limit
	}
	if w.ResetAt.IsZero() {
		w.ResetAt = now.Add(spec.Window)
	}
	return clampWindow(w)
}
