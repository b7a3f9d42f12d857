package service

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

var ErrInvalidPricingInput = errors.New("invalid pricing input")

const defaultPriceScale = 2

// Optimize computes the destination price and category. It has no side effects
// and returns the same quote for the same input.
func Optimize(in domain.PricingInput) (domain.Quote, error) {
	if in.SourceCost.IsNegative() || in.ShippingEstimate.IsNegative() {
		return domain.Quote{}, fmt.Errorf("%w: negative cost", ErrInvalidPricingInput)
	}
	if in.Policy.Margin.LessThan(decimal.NewFromInt(-1)) {
		return domain.Quote{}, fmt.Errorf("%w: margin below -100%%", ErrInvalidPricingInput)
	}

	rate := in.Policy.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	if rate.IsNegative() {
		return domain.Quote{}, fmt.Errorf("%w: negative exchange rate", ErrInvalidPricingInput)
	}

	scale := in.Policy.PriceScale
	if scale <= 0 {
		scale = defaultPriceScale
	}

	total := in.SourceCost.Add(in.ShippingEstimate)
	target := total.Mul(decimal.NewFromInt(1).Add(in.Policy.Margin)).Mul(rate)

	q := domain.Quote{
		TotalCost:  total,
		Target:     target,
		Price:      target.Round(scale),
		CategoryID: pickCategory(in.Suggestions, in.Policy),
	}

	if in.CompetitorMedian != nil && in.Policy.CeilingFactor.IsPositive() {
		ceiling := in.CompetitorMedian.Mul(in.Policy.CeilingFactor)
		if target.GreaterThan(ceiling) {
			// truncate so rounding never lifts the price over the ceiling
			q.Price = ceiling.Truncate(scale)
			q.Clamped = true
		}
	}

	return q, nil
}

func pickCategory(suggestions []domain.CategorySuggestion, policy domain.PricingPolicy) string {
	if len(suggestions) == 0 {
		return policy.DefaultCategoryID
	}

	ranked := make([]domain.CategorySuggestion, len(suggestions))
	copy(ranked, suggestions)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].CategoryID < ranked[j].CategoryID
	})

	best := ranked[0]
	if best.CategoryID == "" || best.Confidence < policy.MinCategoryConfidence {
		return policy.DefaultCategoryID
	}
	return best.CategoryID
}
