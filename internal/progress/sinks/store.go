package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

// StoreSink persists unit runs and keyword matches. The finished runs form
// the durable outcome log the error tracker is rehydrated from.
type StoreSink struct {
	runs    store.RunRepository
	matches store.MatchRepository
	logger  *zap.Logger
}

// NewStoreSink constructs a StoreSink. matches may be nil.
func NewStoreSink(runs store.RunRepository, matches store.MatchRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{runs: runs, matches: matches, logger: logger}
}

// Consume forwards lifecycle events to the repositories in batch order. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.runs == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consumeEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consumeEvent(ctx context.Context, evt progress.Event) error {
	id := evt.TaskUUID()
	switch evt.Stage {
	case progress.StageUnitStart:
		if err := s.runs.UpsertRunStart(ctx, id, evt.Key(), evt.Mode, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageUnitDone:
		if err := s.runs.CompleteRun(ctx, id, evt.TS, store.RunSuccess, evt.Posts, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		if s.matches != nil && len(evt.Matches) > 0 {
			if err := s.matches.InsertMatches(ctx, id, evt.Platform, evt.TS, evt.Matches); err != nil {
				return fmt.Errorf("insert matches: %w", err)
			}
		}
	case progress.StageUnitError:
		if err := s.runs.CompleteRun(ctx, id, evt.TS, store.RunError, 0, notePtr(evt.Note)); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageUnitCanceled, progress.StageQuotaDenied:
		note := evt.Note
		if note == "" {
			note = string(evt.Stage)
		}
		err := s.runs.CompleteRun(ctx, id, evt.TS, store.RunReleased, 0, &note)
		if errors.Is(err, crawler.ErrNotFound) {
			s.logger.Debug("released unit never started", zap.String("task_id", id.String()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("release run: %w", err)
		}
	}
	return nil
}

func notePtr(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
