package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// HTTPCompetitorSignal asks a price index for the median of comparable listings:
//
//	GET {base}/api/prices/median?q=...&category=... -> {"median":"123.45","count":12}
type HTTPCompetitorSignal struct {
	client   *jsonClient
	minCount int
}

func NewHTTPCompetitorSignal(minCount int, opts HTTPOptions) (*HTTPCompetitorSignal, error) {
	client, err := newJSONClient(opts)
	if err != nil {
		return nil, err
	}
	if minCount <= 0 {
		minCount = 3
	}
	return &HTTPCompetitorSignal{client: client, minCount: minCount}, nil
}

func (s *HTTPCompetitorSignal) MedianPrice(ctx context.Context, title, categoryID string) (decimal.Decimal, bool, error) {
	q := url.Values{}
	q.Set("q", title)
	if categoryID != "" {
		q.Set("category", categoryID)
	}

	resp, err := s.client.do(ctx, http.MethodGet, "/api/prices/median?"+q.Encode(), nil, nil)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if resp.status == http.StatusNotFound {
		return decimal.Decimal{}, false, nil
	}
	if err := destinationStatusFailure(resp); err != nil {
		return decimal.Decimal{}, false, err
	}

	var out struct {
		Median decimal.Decimal `json:"median"`
		Count  int             `json:"count"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return decimal.Decimal{}, false, err
	}
	// too few comparables is no signal at all
	if out.Count < s.minCount || !out.Median.IsPositive() {
		return decimal.Decimal{}, false, nil
	}
	return out.Median, true, nil
}
