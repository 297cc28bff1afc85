// Package noop provides a development Runner that spends one call of quota per
// unit and collects nothing.
package noop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Runner reserves one primary-endpoint call and reports zero posts.
type Runner struct {
	delay  time.Duration
	logger *zap.Logger
}

// New returns a Runner that sleeps for delay after reserving quota.
func New(delay time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{delay: delay, logger: logger.Named("noop_runner")}
}

// Run implements crawler.Runner.
func (r *Runner) Run(ctx context.Context, req crawler.RunRequest) (crawler.RunResult, error) {
	if req.Quota != nil {
		if err := req.Quota.Reserve(ctx, "", 1); err != nil {
			return crawler.RunResult{}, fmt.Errorf("reserve %s: %w", req.Key, err)
		}
	}
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return crawler.RunResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Debug("noop unit finished",
		zap.String("task_id", req.TaskID),
		zap.String("platform", req.Key.Platform),
		zap.String("job_type", req.Key.JobType),
		zap.Int("keywords", len(req.Keywords)),
		zap.Int("max_posts", req.MaxPosts),
	)
	return crawler.RunResult{}, nil
}
