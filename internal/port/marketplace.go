package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// SourceCollector fails with NotFound, Timeout, Blocked or ParseError.
type SourceCollector interface {
	Fetch(ctx context.Context, sourceRef string) (domain.SourceSnapshot, error)
}

type Translator interface {
	Translate(ctx context.Context, title, description string) (domain.Localized, error)
}

// Destination fails with RateLimited, Rejected or Transient.
type Destination interface {
	// Publish creates a listing, or updates existingID when it is non-empty
	Publish(ctx context.Context, payload domain.PublishPayload, existingID string) (domain.PublishResult, error)

	SaleStatus(ctx context.Context, destinationID string) (domain.SaleStatus, error)

	SetInventoryZero(ctx context.Context, destinationID string) error
}

type CompetitorSignal interface {
	// MedianPrice returns ok=false when there is no competitor data
	MedianPrice(ctx context.Context, title, categoryID string) (decimal.Decimal, bool, error)
}

type CategorySuggester interface {
	Suggest(ctx context.Context, title, description string) ([]domain.CategorySuggestion, error)
}
