package domain

import "github.com/shopspring/decimal"

type PricingPolicy struct {
	Margin                decimal.Decimal
	CeilingFactor         decimal.Decimal
	ExchangeRate          decimal.Decimal // source currency -> destination currency
	PriceScale            int32
	MinCategoryConfidence float64
	DefaultCategoryID     string
}

type PricingInput struct {
	SourceCost       decimal.Decimal
	ShippingEstimate decimal.Decimal
	CompetitorMedian *decimal.Decimal
	Suggestions      []CategorySuggestion
	Policy           PricingPolicy
}

type Quote struct {
	TotalCost  decimal.Decimal
	Target     decimal.Decimal // before clamping and rounding
	Price      decimal.Decimal
	Clamped    bool
	CategoryID string
}
