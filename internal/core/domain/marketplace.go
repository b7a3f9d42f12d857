package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceSnapshot is a point-in-time read of a source marketplace item.
type SourceSnapshot struct {
	SourceRef   string
	Marketplace string
	URL         string
	Title       string
	Description string
	Price       decimal.Decimal
	Shipping    decimal.Decimal
	ImageURLs   []string
	Available   bool
	FetchedAt   time.Time
}

type Localized struct {
	Title       string
	Description string
}

// TranslationEntry is immutable once written.
type TranslationEntry struct {
	Hash        string
	Title       string
	Description string
	CreatedAt   time.Time
}

type PublishPayload struct {
	ListingID   string
	SourceRef   string
	Title       string
	Description string
	Price       decimal.Decimal
	CategoryID  string
	ImageURLs   []string
}

type PublishResult struct {
	DestinationID string
	URL           string
}

type SaleStatus struct {
	Sold      bool
	SalePrice decimal.Decimal
	Fees      decimal.Decimal
	SoldAt    time.Time
}

type CategorySuggestion struct {
	CategoryID string
	Confidence float64
}

// SaleRecord exists exactly when its listing reached sold.
type SaleRecord struct {
	ID               string
	ListingID        string
	SalePrice        decimal.Decimal
	SourceCost       decimal.Decimal // source currency
	ShippingEstimate decimal.Decimal // source currency
	Fees             decimal.Decimal
	CostBasis        decimal.Decimal // source cost plus shipping, destination currency
	Profit           decimal.Decimal
	SoldAt           time.Time
	CreatedAt        time.Time
}
