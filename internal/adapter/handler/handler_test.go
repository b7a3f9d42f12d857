package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/marketplace"
	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/core/service"
	"github.com/rl1809/arbitrage-pipeline/internal/logging"
)

func newTestOrchestrator(queueSize int) (*service.Orchestrator, *storage.MemoryAdapter) {
	repo := storage.NewMemoryAdapter()
	log := logging.Discard()
	cache := service.NewTranslationCache(repo, marketplace.NewMockTranslator("en"), service.TextRules{Locale: "en"}, nil, log)

	o := service.NewOrchestrator(service.OrchestratorConfig{
		Workers:   1,
		QueueSize: queueSize,
		Retry:     service.DefaultRetryPolicy(),
		Pricing:   domain.PricingPolicy{DefaultCategoryID: "other"},
	}, service.Dependencies{
		Listings:    repo,
		Collector:   marketplace.NewMockCollector("mock"),
		Translation: cache,
		Destination: marketplace.NewMockDestination(),
		Quota:       storage.NewMemoryQuota(5),
		Locker:      storage.NewKeyedLocker(),
		Log:         log,
	})
	return o, repo
}

func newTestMux(o *service.Orchestrator) *http.ServeMux {
	mux := http.NewServeMux()
	NewHTTPHandler(o).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHTTPSubmit(t *testing.T) {
	o, _ := newTestOrchestrator(10)
	mux := newTestMux(o)

	rec := doJSON(t, mux, http.MethodPost, "/api/submit", SubmitHTTPRequest{SourceRef: "m100"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var view ListingView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.ID == "" || view.State != string(domain.StateScraped) {
		t.Errorf("unexpected listing %+v", view)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/submit", SubmitHTTPRequest{SourceRef: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty ref, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/submit", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestHTTPSubmit_QueueFull(t *testing.T) {
	o, _ := newTestOrchestrator(1)
	mux := newTestMux(o)

	if rec := doJSON(t, mux, http.MethodPost, "/api/submit", SubmitHTTPRequest{SourceRef: "a"}); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/api/submit", SubmitHTTPRequest{SourceRef: "b"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when queue is full, got %d", rec.Code)
	}
}

func TestHTTPListFailedAndRetry(t *testing.T) {
	o, repo := newTestOrchestrator(10)
	mux := newTestMux(o)
	ctx := context.Background()

	l, err := o.Submit(ctx, "gone-42")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Process(ctx, l.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/listings/failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var failed []ListingView
	json.NewDecoder(rec.Body).Decode(&failed)
	if len(failed) != 1 || failed[0].ID != l.ID {
		t.Fatalf("expected the errored listing, got %+v", failed)
	}
	if failed[0].ErrorKind != string(domain.KindNotFound) || failed[0].FailedFrom != string(domain.StateScraped) {
		t.Errorf("unexpected failure view %+v", failed[0])
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/listings/"+l.ID+"/retry", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := repo.GetListing(ctx, l.ID)
	if got.State != domain.StateScraped || got.Attempts != 0 {
		t.Errorf("expected reopened listing in scraped, got %s (attempts %d)", got.State, got.Attempts)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/listings/"+l.ID+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a listing not in error, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/listings/missing/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/listings/failed?limit=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHTTPQuotaAndHealth(t *testing.T) {
	o, _ := newTestOrchestrator(10)
	mux := newTestMux(o)

	rec := doJSON(t, mux, http.MethodGet, "/api/quota", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Remaining int `json:"remaining"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Remaining != 5 {
		t.Errorf("expected 5 remaining, got %d", body.Remaining)
	}

	rec = doJSON(t, mux, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
