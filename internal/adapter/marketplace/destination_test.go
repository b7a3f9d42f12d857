package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

func TestHTTPDestination_CreateAndUpdate(t *testing.T) {
	var creates, updates atomic.Int32
	var lastKey atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/api/listings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		creates.Add(1)
		lastKey.Store(r.Header.Get("Idempotency-Key"))

		var req listingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Price.Equal(decimal.RequireFromString("12960")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"id":"d-1","url":"https://dst.example/d-1"}`))
	})
	mux.HandleFunc("/api/listings/d-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		updates.Add(1)
		w.Write([]byte(`{"url":"https://dst.example/d-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, _ := NewHTTPDestination(HTTPOptions{BaseURL: srv.URL})
	payload := domain.PublishPayload{ListingID: "l-1", Title: "Camera", Price: decimal.RequireFromString("12960")}

	res, err := d.Publish(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if res.DestinationID != "d-1" {
		t.Errorf("expected d-1, got %s", res.DestinationID)
	}
	if lastKey.Load() != "l-1" {
		t.Errorf("expected idempotency key l-1, got %v", lastKey.Load())
	}

	res, err = d.Publish(context.Background(), payload, "d-1")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.DestinationID != "d-1" {
		t.Errorf("expected update to keep d-1, got %s", res.DestinationID)
	}
	if creates.Load() != 1 || updates.Load() != 1 {
		t.Errorf("expected 1 create and 1 update, got %d/%d", creates.Load(), updates.Load())
	}
}

func TestHTTPDestination_FailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.FailureKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.KindRateLimited},
		{"rejected", http.StatusUnprocessableEntity, domain.KindRejected},
		{"server error", http.StatusBadGateway, domain.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d, _ := NewHTTPDestination(HTTPOptions{BaseURL: srv.URL})
			_, err := d.Publish(context.Background(), domain.PublishPayload{ListingID: "l"}, "")
			if got := domain.KindOf(err); got != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, got)
			}
			var f *domain.Failure
			if tt.kind == domain.KindRateLimited && errors.As(err, &f) && f.RetryAfter != 2*time.Minute {
				t.Errorf("expected retry after 2m, got %v", f.RetryAfter)
			}
		})
	}
}

func TestHTTPDestination_SaleStatusAndInventory(t *testing.T) {
	var zeroed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/listings/d-9/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"SOLD","sale_price":"130.00","fees":"13","sold_at":"2026-05-01T10:00:00Z"}`))
	})
	mux.HandleFunc("/api/listings/d-9/inventory", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		json.NewDecoder(r.Body).Decode(&body)
		if q, ok := body["quantity"]; ok && q == 0 {
			zeroed.Store(true)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, _ := NewHTTPDestination(HTTPOptions{BaseURL: srv.URL})
	st, err := d.SaleStatus(context.Background(), "d-9")
	if err != nil {
		t.Fatalf("SaleStatus failed: %v", err)
	}
	if !st.Sold || !st.SalePrice.Equal(decimal.NewFromInt(130)) || !st.Fees.Equal(decimal.NewFromInt(13)) {
		t.Errorf("unexpected status %+v", st)
	}
	if st.SoldAt.IsZero() {
		t.Error("expected sold_at")
	}

	if err := d.SetInventoryZero(context.Background(), "d-9"); err != nil {
		t.Fatalf("SetInventoryZero failed: %v", err)
	}
	if !zeroed.Load() {
		t.Error("expected quantity 0 to be sent")
	}
}

func TestMockDestination_IdempotentCreate(t *testing.T) {
	d := NewMockDestination()
	ctx := context.Background()
	payload := domain.PublishPayload{ListingID: "l-1", Price: decimal.NewFromInt(10)}

	a, _ := d.Publish(ctx, payload, "")
	b, _ := d.Publish(ctx, payload, "")
	c, _ := d.Publish(ctx, payload, a.DestinationID)
	if a.DestinationID != b.DestinationID || b.DestinationID != c.DestinationID {
		t.Errorf("expected one destination id, got %s %s %s", a.DestinationID, b.DestinationID, c.DestinationID)
	}
	if d.Count() != 1 {
		t.Errorf("expected 1 listing, got %d", d.Count())
	}

	if !d.MarkSold(a.DestinationID, time.Now()) {
		t.Fatal("expected MarkSold to find listing")
	}
	st, _ := d.SaleStatus(ctx, a.DestinationID)
	if !st.Sold {
		t.Error("expected sold")
	}
}

func TestRateLimitedDestination(t *testing.T) {
	inner := NewMockDestination()
	d := NewRateLimitedDestination(inner, 20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := d.Publish(ctx, domain.PublishPayload{ListingID: "l"}, ""); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// burst 1 at 20/s: the 2nd and 3rd calls wait ~50ms each
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("expected calls to be spaced, took %v", elapsed)
	}

	slow := NewRateLimitedDestination(inner, 0.1, 1)
	slow.Publish(ctx, domain.PublishPayload{ListingID: "l"}, "")
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := slow.Publish(tctx, domain.PublishPayload{ListingID: "l"}, ""); domain.KindOf(err) != domain.KindTimeout {
		t.Errorf("expected timeout when the wait overruns the deadline, got %v", err)
	}
}

func TestHTTPTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source string   `json:"source"`
			Target string   `json:"target"`
			Texts  []string `json:"texts"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Source != "ja" || req.Target != "en" || len(req.Texts) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"translations":["Camera","Good condition"]}`))
	}))
	defer srv.Close()

	tr, _ := NewHTTPTranslator("ja", "en", HTTPOptions{BaseURL: srv.URL})
	out, err := tr.Translate(context.Background(), "カメラ", "美品")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if out.Title != "Camera" || out.Description != "Good condition" {
		t.Errorf("unexpected translation %+v", out)
	}
}

func TestHTTPCompetitorSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "camera":
			w.Write([]byte(`{"median":"100","count":12}`))
		case "rare":
			w.Write([]byte(`{"median":"100","count":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s, _ := NewHTTPCompetitorSignal(3, HTTPOptions{BaseURL: srv.URL})
	ctx := context.Background()

	median, ok, err := s.MedianPrice(ctx, "camera", "cameras")
	if err != nil || !ok || !median.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected median 100, got %s %v %v", median, ok, err)
	}
	if _, ok, _ := s.MedianPrice(ctx, "rare", ""); ok {
		t.Error("expected too few comparables to count as no signal")
	}
	if _, ok, err := s.MedianPrice(ctx, "unknown", ""); ok || err != nil {
		t.Errorf("expected no signal on 404, got %v %v", ok, err)
	}
}
