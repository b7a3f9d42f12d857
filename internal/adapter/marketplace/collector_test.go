package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

func newItemServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/items/m100", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"item":{"id":"m100","title":" カメラ ","description":"美品","price":"10000","shipping":800,"images":["a.jpg"],"status":"on_sale"}}`))
	})
	mux.HandleFunc("/api/items/bare", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"時計","price":5000}`))
	})
	mux.HandleFunc("/api/items/sold", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"時計","price":5000,"status":"sold_out"}`))
	})
	mux.HandleFunc("/api/items/blocked", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/api/items/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})
	mux.HandleFunc("/api/items/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPCollector_Fetch(t *testing.T) {
	srv := newItemServer(t)
	c, err := NewHTTPCollector("mercari", HTTPOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPCollector failed: %v", err)
	}

	snap, err := c.Fetch(context.Background(), "m100")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if snap.Title != "カメラ" {
		t.Errorf("expected trimmed title, got %q", snap.Title)
	}
	if !snap.Price.Equal(decimal.NewFromInt(10000)) || !snap.Shipping.Equal(decimal.NewFromInt(800)) {
		t.Errorf("unexpected price %s + %s", snap.Price, snap.Shipping)
	}
	if !snap.Available {
		t.Error("expected item to be available")
	}
	if snap.Marketplace != "mercari" || snap.SourceRef != "m100" {
		t.Errorf("unexpected identity %s/%s", snap.Marketplace, snap.SourceRef)
	}

	snap, err = c.Fetch(context.Background(), "bare")
	if err != nil {
		t.Fatalf("Fetch bare failed: %v", err)
	}
	if snap.URL != srv.URL+"/items/bare" {
		t.Errorf("expected synthesized url, got %s", snap.URL)
	}

	snap, _ = c.Fetch(context.Background(), "sold")
	if snap.Available {
		t.Error("expected sold_out item to be unavailable")
	}
}

func TestHTTPCollector_FailureKinds(t *testing.T) {
	srv := newItemServer(t)
	c, _ := NewHTTPCollector("mercari", HTTPOptions{BaseURL: srv.URL})

	tests := []struct {
		ref  string
		kind domain.FailureKind
	}{
		{"missing", domain.KindNotFound},
		{"blocked", domain.KindBlocked},
		{"broken", domain.KindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := c.Fetch(context.Background(), tt.ref)
			if got := domain.KindOf(err); got != tt.kind {
				t.Errorf("expected %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}

	var f *domain.Failure
	_, err := c.Fetch(context.Background(), "blocked")
	if errors.As(err, &f) && f.RetryAfter != 30*time.Second {
		t.Errorf("expected Retry-After 30s, got %v", f.RetryAfter)
	}
}

func TestHTTPCollector_Timeout(t *testing.T) {
	srv := newItemServer(t)
	c, _ := NewHTTPCollector("mercari", HTTPOptions{BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, "slow")
	if domain.KindOf(err) != domain.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestNewHTTPCollector_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPCollector("x", HTTPOptions{}); err == nil {
		t.Error("expected error for empty base url")
	}
}

func TestBrowserCollector_Parse(t *testing.T) {
	b, err := NewBrowserCollector("yahoo", BrowserOptions{BaseURL: "https://source.example/item"})
	if err != nil {
		t.Fatalf("NewBrowserCollector failed: %v", err)
	}

	snap, err := b.parse("x1", "https://source.example/item/x1",
		[]byte(`{"found":true,"title":"レンズ","price":"¥10,000","shipping":"800円","status":"InStock","images":["i.jpg"]}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !snap.Price.Equal(decimal.NewFromInt(10000)) || !snap.Shipping.Equal(decimal.NewFromInt(800)) {
		t.Errorf("unexpected price %s + %s", snap.Price, snap.Shipping)
	}
	if !snap.Available {
		t.Error("expected available")
	}

	_, err = b.parse("x2", "", []byte(`{"found":false}`))
	if domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	_, err = b.parse("x3", "", []byte(`{"found":true,"blocked":true}`))
	if domain.KindOf(err) != domain.KindBlocked {
		t.Errorf("expected blocked, got %v", err)
	}
	_, err = b.parse("x4", "", []byte(`{"found":true,"title":"t","price":"abc"}`))
	if domain.KindOf(err) != domain.KindParseError {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"¥10,800", "10800"},
		{"1,234.50 円", "1234.5"},
		{"", "0"},
	}
	for _, tt := range tests {
		got, err := parsePrice(tt.in)
		if err != nil {
			t.Errorf("parsePrice(%q) failed: %v", tt.in, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("parsePrice(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMockCollector(t *testing.T) {
	c := NewMockCollector("mock")
	a, _ := c.Fetch(context.Background(), "ref-1")
	b, _ := c.Fetch(context.Background(), "ref-1")
	if !a.Price.Equal(b.Price) || a.Title != b.Title {
		t.Error("expected deterministic snapshots")
	}
	if _, err := c.Fetch(context.Background(), "gone-1"); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not found for gone- ref, got %v", err)
	}
}
