package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/errortracker"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

// warmup rehydrates the in-memory outcome and keyword logs from Postgres so
// health scores and circuits survive a restart.
func (a *App) warmup(ctx context.Context) {
	if a.runs == nil || a.cfg.Storage.WarmupHours <= 0 {
		return
	}
	since := a.clock.Now().Add(-time.Duration(a.cfg.Storage.WarmupHours * float64(time.Hour)))
	outcomes, err := loadOutcomes(ctx, a.runs, a.tracker, since)
	if err != nil {
		a.logger.Warn("error tracker warm-up failed", zap.Error(err))
	}
	posts := 0
	if a.matches != nil {
		posts, err = loadMatches(ctx, a.matches, a.aggregator, since)
		if err != nil {
			a.logger.Warn("keyword warm-up failed", zap.Error(err))
		}
	}
	a.logger.Info("in-memory logs warmed up",
		zap.Time("since", since),
		zap.Int("outcomes", outcomes),
		zap.Int("posts", posts),
	)
}

// reclaimAbandoned fails keys left running by a process that stopped before
// recording their outcome, so they are scheduled again.
func (a *App) reclaimAbandoned(ctx context.Context) {
	cutoff := a.clock.Now().Add(-a.cfg.StaleRunAfter())
	keys, err := a.states.ReclaimStale(ctx, cutoff)
	if err != nil {
		a.logger.Warn("abandoned run reclaim failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		a.logger.Warn("reclaimed abandoned run",
			zap.String("platform", key.Platform),
			zap.String("job_type", key.JobType),
		)
	}
}

func loadOutcomes(
	ctx context.Context,
	runs store.RunRepository,
	tracker *errortracker.Tracker,
	since time.Time,
) (int, error) {
	rows, err := runs.ListOutcomesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list outcomes: %w", err)
	}
	outcomes := make([]errortracker.Outcome, 0, len(rows))
	for _, r := range rows {
		if r.FinishedAt == nil {
			continue
		}
		o := errortracker.Outcome{
			Platform: r.Platform,
			At:       *r.FinishedAt,
			Success:  r.Status == store.RunSuccess,
		}
		if !o.Success && r.ErrorMessage != nil {
			o.Message = *r.ErrorMessage
		}
		outcomes = append(outcomes, o)
	}
	return tracker.Load(outcomes), nil
}

// loadMatches folds match rows back into one record per post; the
// aggregator keeps the first record it sees for a post.
func loadMatches(
	ctx context.Context,
	matches store.MatchRepository,
	agg *keywords.Aggregator,
	since time.Time,
) (int, error) {
	rows, err := matches.ListMatchesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list matches: %w", err)
	}
	type postKey struct{ platform, postID string }
	index := make(map[postKey]int)
	var records []keywords.Record
	for _, row := range rows {
		k := postKey{row.Platform, row.PostID}
		i, ok := index[k]
		if !ok {
			i = len(records)
			index[k] = i
			records = append(records, keywords.Record{Platform: row.Platform, PostID: row.PostID, At: row.MatchedAt})
		}
		records[i].Matches = append(records[i].Matches, row.Match)
	}
	loaded := 0
	for _, r := range records {
		if agg.RecordAt(r) {
			loaded++
		}
	}
	return loaded, nil
}
