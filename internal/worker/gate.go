package worker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Reserver consumes call budget from a rate-limit window.
type Reserver interface {
	TryReserve(ctx context.Context, platform, endpoint string, count int) (bool, error)
}

// Pacer spaces calls to a platform.
type Pacer interface {
	Wait(ctx context.Context, platform string) error
}

// quotaGate is the crawler.QuotaGate handed to runners for one unit.
type quotaGate struct {
	platform string
	primary  string
	pacer    Pacer
	limits   Reserver
}

var _ crawler.QuotaGate = (*quotaGate)(nil)

// Reserve paces the call, then reserves budget on the endpoint.
func (g *quotaGate) Reserve(ctx context.Context, endpoint string, count int) error {
	if endpoint == "" {
		endpoint = g.primary
	}
	if count <= 0 {
		count = 1
	}
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx, g.platform); err != nil {
			return err
		}
	}
	granted, err := g.limits.TryReserve(ctx, g.platform, endpoint, count)
	if err != nil {
		return fmt.Errorf("reserve %s/%s: %w", g.platform, endpoint, err)
	}
	if !granted {
		return fmt.Errorf("%s/%s: %w", g.platform, endpoint, crawler.ErrQuotaExhausted)
	}
	return nil
}
