package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// LogSink emits structured logs for each unit lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Errors are
// logged at warn level, everything else at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("platform", evt.Platform),
			zap.String("job_type", evt.JobType),
			zap.String("mode", evt.Mode),
		}
		if evt.Stage.Terminal() {
			fields = append(fields, zap.Duration("dur", evt.Dur), zap.Int64("posts", evt.Posts))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageUnitError {
			s.logger.Warn("unit event", fields...)
			continue
		}
		s.logger.Info("unit event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
