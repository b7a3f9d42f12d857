package marketplace

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

// RateLimitedDestination spaces out calls to a destination that throttles
// bursts. Waiting honours ctx.
type RateLimitedDestination struct {
	next    port.Destination
	limiter *rate.Limiter
}

func NewRateLimitedDestination(next port.Destination, perSecond float64, burst int) *RateLimitedDestination {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedDestination{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedDestination) Publish(ctx context.Context, payload domain.PublishPayload, existingID string) (domain.PublishResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.PublishResult{}, waitFailure(ctx, err)
	}
	return r.next.Publish(ctx, payload, existingID)
}

func (r *RateLimitedDestination) SaleStatus(ctx context.Context, destinationID string) (domain.SaleStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.SaleStatus{}, waitFailure(ctx, err)
	}
	return r.next.SaleStatus(ctx, destinationID)
}

func (r *RateLimitedDestination) SetInventoryZero(ctx context.Context, destinationID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return waitFailure(ctx, err)
	}
	return r.next.SetInventoryZero(ctx, destinationID)
}

// a Wait that would overrun the deadline fails before the deadline passes
func waitFailure(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return domain.WrapFailure(domain.KindTimeout, err)
}
