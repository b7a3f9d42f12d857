package port

import (
	"context"
	"time"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

type TranslationStore interface {
	// GetTranslation returns nil, nil on a miss
	GetTranslation(ctx context.Context, hash string) (*domain.TranslationEntry, error)

	// PutTranslation inserts if absent, returns false if an entry already exists
	PutTranslation(ctx context.Context, entry domain.TranslationEntry) (bool, error)
}

type PublishQuota interface {
	// TryAcquire atomically takes one publish slot for the day of now, returns false if exhausted
	TryAcquire(ctx context.Context, now time.Time) (bool, error)

	// Release returns a slot taken by TryAcquire when no publish call was made
	Release(ctx context.Context, now time.Time) error

	// Remaining reports the slots left for the day of now
	Remaining(ctx context.Context, now time.Time) (int, error)
}

type Locker interface {
	// TryLock takes the per-key advisory lock without waiting, returns an unlock func
	TryLock(ctx context.Context, key string) (func(), bool, error)
}
