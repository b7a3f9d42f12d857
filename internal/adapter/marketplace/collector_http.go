package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// HTTPCollector reads items from a JSON API:
//
//	GET {base}/api/items/{ref} -> {"item":{...}} or {...}
type HTTPCollector struct {
	client      *jsonClient
	marketplace string
}

type itemPayload struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Shipping    decimal.Decimal `json:"shipping"`
	Images      []string        `json:"images"`
	Status      string          `json:"status"`
}

func NewHTTPCollector(marketplace string, opts HTTPOptions) (*HTTPCollector, error) {
	client, err := newJSONClient(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPCollector{client: client, marketplace: marketplace}, nil
}

func (c *HTTPCollector) Fetch(ctx context.Context, sourceRef string) (domain.SourceSnapshot, error) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindNotFound, "empty source ref")
	}

	resp, err := c.client.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		return domain.SourceSnapshot{}, collectorTransportFailure(err)
	}

	switch {
	case resp.status == http.StatusNotFound || resp.status == http.StatusGone:
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindNotFound, "source item %s not found", ref)
	case resp.status == http.StatusForbidden || resp.status == http.StatusTooManyRequests:
		f := domain.NewFailure(domain.KindBlocked, "source blocked request: status %d", resp.status)
		f.RetryAfter = resp.retryAfter
		return domain.SourceSnapshot{}, f
	case resp.status >= 500:
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindTransient, "source status %d", resp.status)
	case resp.status != http.StatusOK:
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindParseError, "unexpected source status %d: %s", resp.status, snippet(resp.body))
	}

	item, err := parseItem(resp.body)
	if err != nil {
		return domain.SourceSnapshot{}, domain.WrapFailure(domain.KindParseError, err)
	}
	if item.URL == "" {
		item.URL = c.client.baseURL + "/items/" + url.PathEscape(ref)
	}
	return item.snapshot(ref, c.marketplace), nil
}

func parseItem(raw []byte) (itemPayload, error) {
	var wrapped struct {
		Item *itemPayload `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Item != nil {
		return *wrapped.Item, validateItem(*wrapped.Item)
	}

	var item itemPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return itemPayload{}, err
	}
	return item, validateItem(item)
}

func validateItem(item itemPayload) error {
	if strings.TrimSpace(item.Title) == "" {
		return errors.New("item payload has no title")
	}
	if item.Price.IsNegative() {
		return errors.New("item payload has negative price")
	}
	return nil
}

func (p itemPayload) snapshot(ref, marketplace string) domain.SourceSnapshot {
	status := strings.ToLower(strings.TrimSpace(p.Status))
	return domain.SourceSnapshot{
		SourceRef:   ref,
		Marketplace: marketplace,
		URL:         p.URL,
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		Price:       p.Price,
		Shipping:    p.Shipping,
		ImageURLs:   p.Images,
		Available:   status == "" || status == "on_sale" || status == "available" || status == "active",
		FetchedAt:   time.Now(),
	}
}

func collectorTransportFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return domain.WrapFailure(domain.KindTimeout, err)
	}
	return domain.WrapFailure(domain.KindTransient, err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
