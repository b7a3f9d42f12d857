package service

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy is an exponential backoff: BaseDelay * Multiplier^(attempt-1),
// capped at MaxDelay, with +/- Jitter applied as a fraction of the delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1.0 {
		mult = 2.0
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 && p.Jitter <= 1.0 {
		jitterMu.Lock()
		jitter := jitterRng.Float64() * p.Jitter * delay
		up := jitterRng.Float64() < 0.5
		jitterMu.Unlock()
		if up {
			delay += jitter
		} else {
			delay -= jitter
		}
	}

	if delay < float64(p.BaseDelay) {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
