package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Pacer spaces calls per platform with a token bucket. It complements the
// window budget: the budget caps calls per window, the pacer smooths bursts.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	catalog  *crawler.Catalog
}

// NewPacer creates a Pacer using each platform's pacing settings.
func NewPacer(catalog *crawler.Catalog) *Pacer {
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		catalog:  catalog,
	}
}

func (p *Pacer) limiter(platform string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[platform]; ok {
		return l
	}
	limit := rate.Inf
	burst := 1
	if spec, ok := p.catalog.Platform(platform); ok {
		if spec.PacingRPS > 0 {
			limit = rate.Limit(spec.PacingRPS)
		}
		if spec.PacingBurst > 0 {
			burst = spec.PacingBurst
		}
	}
	l := rate.NewLimiter(limit, burst)
	p.limiters[platform] = l
	return l
}

// Wait blocks until the platform may issue its next call or ctx ends.
func (p *Pacer) Wait(ctx context.Context, platform string) error {
	start := time.Now()
	if err := p.limiter(platform).Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(platform, waited)
	}
	return nil
}
