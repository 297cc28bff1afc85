package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Manager answers "may this endpoint be called now" for every configured window.
// Resets are lazy: each Reserve or Status call applies reset-if-due first.
type Manager struct {
	catalog *crawler.Catalog
	backend Backend
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewManager constructs a Manager over backend.
func NewManager(catalog *crawler.Catalog, backend Backend, clock crawler.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		catalog: catalog,
		backend: backend,
		clock:   clock,
		logger:  logger,
	}
}

func (m *Manager) spec(platform, endpoint string) (crawler.EndpointSpec, error) {
	if _, ok := m.catalog.Platform(platform); !ok {
		return crawler.EndpointSpec{}, crawler.Configf("unknown platform %q", platform)
	}
	spec, ok := m.catalog.Endpoint(platform, endpoint)
	if !ok {
		return crawler.EndpointSpec{}, crawler.Configf("platform %q has no endpoint %q", platform, endpoint)
	}
	return spec, nil
}

// TryReserve consumes count calls on the endpoint. It fails closed: a spent
// window denies until its reset time, and the caller must not make the call.
func (m *Manager) TryReserve(ctx context.Context, platform, endpoint string, count int) (bool, error) {
	spec, err := m.spec(platform, endpoint)
	if err != nil {
		return false, err
	}
	if count <= 0 {
		count = 1
	}
	window, granted, err := m.backend.Reserve(ctx, WindowKey{Platform: platform, Endpoint: endpoint}, spec, count, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	if !granted {
		metrics.ObserveRateLimitDenial(platform, endpoint)
		m.logger.Debug("quota reservation denied",
			zap.String("platform", platform),
			zap.String("endpoint", endpoint),
			zap.Int("remaining", window.Remaining),
			zap.Time("reset_at", window.ResetAt),
		)
	}
	return granted, nil
}

// Window returns the current window of one endpoint after reset-if-due.
func (m *Manager) Window(ctx context.Context, platform, endpoint string) (crawler.RateLimitWindow, error) {
	spec, err := m.spec(platform, endpoint)
	if err != nil {
		return crawler.RateLimitWindow{}, err
	}
	window, _, err := m.backend.Reserve(ctx, WindowKey{Platform: platform, Endpoint: endpoint}, spec, 0, m.clock.Now())
	if err != nil {
		return crawler.RateLimitWindow{}, fmt.Errorf("read window: %w", err)
	}
	return window, nil
}

// Status returns every endpoint window of the platform.
func (m *Manager) Status(ctx context.Context, platform string) (map[string]crawler.RateLimitStatus, error) {
	p, err := m.catalog.RequirePlatform(platform)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make(map[string]crawler.RateLimitStatus, len(p.Endpoints))
	for _, ep := range p.Endpoints {
		window, err := m.Window(ctx, platform, ep.Name)
		if err != nil {
			return nil, err
		}
		out[ep.Name] = window.StatusAt(now)
		metrics.SetRateLimitRemaining(platform, ep.Name, window.Remaining)
	}
	return out, nil
}

// IsLimited reports whether the endpoint is spent, and when it resets.
func (m *Manager) IsLimited(ctx context.Context, platform, endpoint string) (bool, time.Time, error) {
	window, err := m.Window(ctx, platform, endpoint)
	if err != nil {
		return false, time.Time{}, err
	}
	return window.IsLimited(m.clock.Now()), window.ResetAt, nil
}

// LimitedEndpoints counts the platform's spent endpoints.
func (m *Manager) LimitedEndpoints(ctx context.Context, platform string) (int, error) {
	status, err := m.Status(ctx, platform)
	if err != nil {
		return 0, err
	}
	limited := 0
	for _, s := range status {
		if s.IsLimited {
			limited++
		}
	}
	return limited, nil
}

// RecordResponseHeaders resynchronizes a window from upstream quota headers.
func (m *Manager) RecordResponseHeaders(
	ctx context.Context,
	platform string,
	endpoint string,
	limit int,
	remaining int,
	resetAt time.Time,
) error {
	spec, err := m.spec(platform, endpoint)
	if err != nil {
		return err
	}
	window := crawler.RateLimitWindow{Limit: limit, Remaining: remaining, ResetAt: resetAt.UTC()}
	synced, err := m.backend.Sync(ctx, WindowKey{Platform: platform, Endpoint: endpoint}, spec, window, m.clock.Now())
	if err != nil {
		return fmt.Errorf("sync quota headers: %w", err)
	}
	metrics.SetRateLimitRemaining(platform, endpoint, synced.Remaining)
	return nil
}

// Snapshot captures every configured window for durable storage.
func (m *Manager) Snapshot(ctx context.Context) ([]crawler.RateLimitSnapshot, error) {
	now := m.clock.Now()
	var snaps []crawler.RateLimitSnapshot
	for _, p := range m.catalog.Platforms() {
		for _, ep := range p.Endpoints {
			window, err := m.Window(ctx, p.Name, ep.Name)
			if err != nil {
				return nil, err
			}
			snaps = append(snaps, crawler.RateLimitSnapshot{
				Platform:   p.Name,
				Endpoint:   ep.Name,
				Window:     window,
				CapturedAt: now,
			})
		}
	}
	return snaps, nil
}

// Restore loads snapshots back into the backend. Snapshots of endpoints that
// are no longer configured are skipped.
func (m *Manager) Restore(ctx context.Context, snaps []crawler.RateLimitSnapshot) (int, error) {
	restored := 0
	for _, snap := range snaps {
		spec, err := m.spec(snap.Platform, snap.Endpoint)
		if err != nil {
			m.logger.Warn("skipping stale rate-limit snapshot",
				zap.String("platform", snap.Platform),
				zap.String("endpoint", snap.Endpoint),
			)
			continue
		}
		key := WindowKey{Platform: snap.Platform, Endpoint: snap.Endpoint}
		if _, err := m.backend.Sync(ctx, key, spec, snap.Window, m.clock.Now()); err != nil {
			return restored, fmt.Errorf("restore window: %w", err)
		}
		restored++
	}
	return restored, nil
}
