package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// SnapshotStore implements store.SnapshotRepository on rate_limit_windows.
type SnapshotStore struct {
	db DB
}

// NewSnapshotStore wraps db.
func NewSnapshotStore(db DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshots upserts one row per window.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snaps []crawler.RateLimitSnapshot) error {
	query := `
		INSERT INTO rate_limit_windows (platform, endpoint, max_calls, remaining, reset_at, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform, endpoint) DO UPDATE
		SET max_calls = EXCLUDED.max_calls,
			remaining = EXCLUDED.remaining,
			reset_at = EXCLUDED.reset_at,
			captured_at = EXCLUDED.captured_at;
	`
	for _, snap := range snaps {
		if _, err := s.db.Exec(ctx, query,
			snap.Platform,
			snap.Endpoint,
			snap.Window.Limit,
			snap.Window.Remaining,
			snap.Window.ResetAt,
			snap.CapturedAt,
		); err != nil {
			return fmt.Errorf("save rate-limit snapshot %s/%s: %w", snap.Platform, snap.Endpoint, err)
		}
	}
	return nil
}

// LoadSnapshots returns every stored window.
func (s *SnapshotStore) LoadSnapshots(ctx context.Context) ([]crawler.RateLimitSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT platform, endpoint, max_calls, remaining, reset_at, captured_at
		FROM rate_limit_windows
		ORDER BY platform, endpoint`)
	if err != nil {
		return nil, fmt.Errorf("load rate-limit snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []crawler.RateLimitSnapshot
	for rows.Next() {
		var snap crawler.RateLimitSnapshot
		if err := rows.Scan(
			&snap.Platform,
			&snap.Endpoint,
			&snap.Window.Limit,
			&snap.Window.Remaining,
			&snap.Window.ResetAt,
			&snap.CapturedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rate-limit snapshot: %w", err)
		}
		snap.Window.ResetAt = snap.Window.ResetAt.UTC()
		snap.CapturedAt = snap.CapturedAt.UTC()
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate-limit snapshots: %w", err)
	}
	return snaps, nil
}
