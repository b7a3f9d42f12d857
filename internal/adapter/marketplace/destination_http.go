package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// HTTPDestination publishes to a JSON API:
//
//	POST {base}/api/listings              create, Idempotency-Key = listing id
//	PUT  {base}/api/listings/{id}         update
//	GET  {base}/api/listings/{id}/status  sale status
//	PUT  {base}/api/listings/{id}/inventory
type HTTPDestination struct {
	client *jsonClient
}

type listingRequest struct {
	ExternalID  string          `json:"external_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	CategoryID  string          `json:"category_id"`
	Images      []string        `json:"images,omitempty"`
}

type listingResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type statusResponse struct {
	Status    string          `json:"status"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Fees      decimal.Decimal `json:"fees"`
	SoldAt    *time.Time      `json:"sold_at"`
}

func NewHTTPDestination(opts HTTPOptions) (*HTTPDestination, error) {
	client, err := newJSONClient(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPDestination{client: client}, nil
}

func (d *HTTPDestination) Publish(ctx context.Context, payload domain.PublishPayload, existingID string) (domain.PublishResult, error) {
	body := listingRequest{
		ExternalID:  payload.ListingID,
		Title:       payload.Title,
		Description: payload.Description,
		Price:       payload.Price,
		CategoryID:  payload.CategoryID,
		Images:      payload.ImageURLs,
	}

	method, path := http.MethodPost, "/api/listings"
	if existingID != "" {
		method, path = http.MethodPut, "/api/listings/"+url.PathEscape(existingID)
	}

	resp, err := d.client.do(ctx, method, path, body, map[string]string{"Idempotency-Key": payload.ListingID})
	if err != nil {
		return domain.PublishResult{}, destinationTransportFailure(err)
	}
	if err := destinationStatusFailure(resp); err != nil {
		return domain.PublishResult{}, err
	}

	var out listingResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return domain.PublishResult{}, domain.WrapFailure(domain.KindTransient, fmt.Errorf("decode publish response: %w", err))
	}
	if out.ID == "" {
		out.ID = existingID
	}
	if out.ID == "" {
		return domain.PublishResult{}, domain.NewFailure(domain.KindTransient, "publish response has no listing id")
	}
	return domain.PublishResult{DestinationID: out.ID, URL: out.URL}, nil
}

func (d *HTTPDestination) SaleStatus(ctx context.Context, destinationID string) (domain.SaleStatus, error) {
	resp, err := d.client.do(ctx, http.MethodGet, "/api/listings/"+url.PathEscape(destinationID)+"/status", nil, nil)
	if err != nil {
		return domain.SaleStatus{}, destinationTransportFailure(err)
	}
	if err := destinationStatusFailure(resp); err != nil {
		return domain.SaleStatus{}, err
	}

	var out statusResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return domain.SaleStatus{}, domain.WrapFailure(domain.KindParseError, err)
	}

	st := domain.SaleStatus{
		Sold:      strings.EqualFold(out.Status, "sold"),
		SalePrice: out.SalePrice,
		Fees:      out.Fees,
	}
	if out.SoldAt != nil {
		st.SoldAt = *out.SoldAt
	}
	return st, nil
}

func (d *HTTPDestination) SetInventoryZero(ctx context.Context, destinationID string) error {
	resp, err := d.client.do(ctx, http.MethodPut, "/api/listings/"+url.PathEscape(destinationID)+"/inventory",
		map[string]int{"quantity": 0}, nil)
	if err != nil {
		return destinationTransportFailure(err)
	}
	return destinationStatusFailure(resp)
}

func destinationStatusFailure(resp response) error {
	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusTooManyRequests:
		f := domain.NewFailure(domain.KindRateLimited, "destination rate limited")
		f.RetryAfter = resp.retryAfter
		return f
	case resp.status >= 500 || resp.status == http.StatusRequestTimeout:
		return domain.NewFailure(domain.KindTransient, "destination status %d", resp.status)
	}
	return domain.NewFailure(domain.KindRejected, "destination rejected request: status %d: %s", resp.status, snippet(resp.body))
}

func destinationTransportFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return domain.WrapFailure(domain.KindTimeout, err)
	}
	return domain.WrapFailure(domain.KindTransient, err)
}
