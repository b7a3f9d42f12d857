package port

import (
	"context"
	"time"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

type ListingRepository interface {
	// UpsertListing creates the listing for SourceRef on first sight, or returns the existing one
	UpsertListing(ctx context.Context, listing domain.Listing) (*domain.Listing, bool, error)

	// GetListing retrieves a listing by ID, returns domain.ErrListingNotFound if absent
	GetListing(ctx context.Context, id string) (*domain.Listing, error)

	// GetListingBySourceRef retrieves a listing by its source reference
	GetListingBySourceRef(ctx context.Context, sourceRef string) (*domain.Listing, error)

	// SaveTransition persists the listing with a version check and appends tr to history atomically
	SaveTransition(ctx context.Context, listing *domain.Listing, tr *domain.Transition) error

	// MarkSold saves the sold transition and the sale record in one transaction
	MarkSold(ctx context.Context, listing *domain.Listing, tr domain.Transition, sale domain.SaleRecord) error

	// ListByState returns up to limit listings in state that sort after the cursor,
	// in (updated_at, id) order
	ListByState(ctx context.Context, state domain.State, after domain.Cursor, limit int) ([]domain.Listing, error)

	// ListDueRetries returns error listings whose NextAttemptAt is at or before now
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Listing, error)

	// ListTransitions returns the history of a listing in order
	ListTransitions(ctx context.Context, listingID string) ([]domain.Transition, error)

	// GetSaleRecord returns the sale record of a sold listing
	GetSaleRecord(ctx context.Context, listingID string) (*domain.SaleRecord, error)
}
