package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

// MatchStore implements store.MatchRepository on keyword_matches. The table is
// keyed by (platform, post_id, keyword) so replays are ignored.
type MatchStore struct {
	db DB
}

// NewMatchStore wraps db.
func NewMatchStore(db DB) *MatchStore {
	return &MatchStore{db: db}
}

// InsertMatches implements store.MatchRepository.
func (s *MatchStore) InsertMatches(
	ctx context.Context,
	runID uuid.UUID,
	platform string,
	at time.Time,
	posts []crawler.PostMatches,
) error {
	query := `
		INSERT INTO keyword_matches (platform, post_id, keyword, category, priority, match_count, run_id, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (platform, post_id, keyword) DO NOTHING;
	`
	for _, post := range posts {
		for _, m := range post.Matches {
			if _, err := s.db.Exec(ctx, query,
				platform,
				post.PostID,
				m.Keyword,
				m.Category,
				string(m.Priority),
				m.MatchCount,
				runID,
				at,
			); err != nil {
				return fmt.Errorf("insert keyword match: %w", err)
			}
		}
	}
	return nil
}

// ListMatchesSince implements store.MatchRepository.
func (s *MatchStore) ListMatchesSince(ctx context.Context, since time.Time) ([]store.MatchRow, error) {
	query := `
		SELECT platform, post_id, keyword, category, priority, match_count, run_id, matched_at
		FROM keyword_matches
		WHERE matched_at >= $1
		ORDER BY matched_at ASC, platform, post_id;
	`
	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list keyword matches: %w", err)
	}
	defer rows.Close()

	var out []store.MatchRow
	for rows.Next() {
		row, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyword match: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword matches: %w", err)
	}
	return out, nil
}

func scanMatch(rows pgx.Rows) (store.MatchRow, error) {
	var (
		row      store.MatchRow
		priority string
	)
	if err := rows.Scan(
		&row.Platform,
		&row.PostID,
		&row.Match.Keyword,
		&row.Match.Category,
		&priority,
		&row.Match.MatchCount,
		&row.RunID,
		&row.MatchedAt,
	); err != nil {
		return store.MatchRow{}, err
	}
	row.Match.Priority = crawler.Priority(priority)
	row.MatchedAt = row.MatchedAt.UTC()
	return row, nil
}
