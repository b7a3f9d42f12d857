package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/logging"
)

// Mock SourceCollector
type mockCollector struct {
	calls atomic.Int32
	fetch func(ref string) (domain.SourceSnapshot, error)
}

func yenItem(ref string) domain.SourceSnapshot {
	return domain.SourceSnapshot{
		SourceRef:   ref,
		Marketplace: "mercari",
		Title:       "カメラ",
		Description: "美品です",
		Price:       decimal.NewFromInt(10000),
		Shipping:    decimal.NewFromInt(800),
		Available:   true,
	}
}

func newMockCollector() *mockCollector {
	return &mockCollector{fetch: func(ref string) (domain.SourceSnapshot, error) {
		return yenItem(ref), nil
	}}
}

func (m *mockCollector) Fetch(ctx context.Context, sourceRef string) (domain.SourceSnapshot, error) {
	m.calls.Add(1)
	return m.fetch(sourceRef)
}

// Mock Translator
type mockTranslator struct {
	calls     atomic.Int32
	gate      chan struct{}
	translate func(ctx context.Context, title, description string) (domain.Localized, error)
}

func newMockTranslator() *mockTranslator {
	return &mockTranslator{translate: func(ctx context.Context, title, description string) (domain.Localized, error) {
		return domain.Localized{Title: "EN " + title, Description: "EN " + description}, nil
	}}
}

func (m *mockTranslator) Translate(ctx context.Context, title, description string) (domain.Localized, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	return m.translate(ctx, title, description)
}

// Mock Destination
type mockDestination struct {
	mu        sync.Mutex
	published map[string]string
	seq       int
	calls     atomic.Int32
	zeroed    atomic.Int32
	failNext  []error
	status    func(destinationID string) (domain.SaleStatus, error)
}

func newMockDestination() *mockDestination {
	return &mockDestination{
		published: make(map[string]string),
		status: func(string) (domain.SaleStatus, error) {
			return domain.SaleStatus{}, nil
		},
	}
}

// Publish dedupes creates by listing id, and a queued error is returned after
// the write has happened, like a response lost on the way back.
func (m *mockDestination) Publish(ctx context.Context, payload domain.PublishPayload, existingID string) (domain.PublishResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.published[payload.ListingID]
	if !ok {
		m.seq++
		id = fmt.Sprintf("dst-%d", m.seq)
		m.published[payload.ListingID] = id
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return domain.PublishResult{}, err
	}
	return domain.PublishResult{DestinationID: id, URL: "https://dst.example/" + id}, nil
}

func (m *mockDestination) SaleStatus(ctx context.Context, destinationID string) (domain.SaleStatus, error) {
	return m.status(destinationID)
}

func (m *mockDestination) SetInventoryZero(ctx context.Context, destinationID string) error {
	m.zeroed.Add(1)
	return nil
}

func (m *mockDestination) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testPipeline struct {
	orch        *Orchestrator
	repo        *storage.MemoryAdapter
	collector   *mockCollector
	translator  *mockTranslator
	destination *mockDestination
	clock       *fixedClock
}

func testPolicy() domain.PricingPolicy {
	return domain.PricingPolicy{
		Margin:                decimal.RequireFromString("0.20"),
		CeilingFactor:         decimal.RequireFromString("1.10"),
		ExchangeRate:          decimal.NewFromInt(1),
		PriceScale:            2,
		MinCategoryConfidence: 0.6,
		DefaultCategoryID:     "other",
	}
}

func newTestPipeline(quota int) *testPipeline {
	repo := storage.NewMemoryAdapter()
	log := logging.Discard()
	p := &testPipeline{
		repo:        repo,
		collector:   newMockCollector(),
		translator:  newMockTranslator(),
		destination: newMockDestination(),
		clock:       &fixedClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	cache := NewTranslationCache(repo, p.translator, TextRules{Locale: "en"}, nil, log)
	p.orch = NewOrchestrator(OrchestratorConfig{
		Workers:   2,
		QueueSize: 100,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Multiplier:  2,
		},
		CallTimeout:   time.Second,
		SignalTimeout: time.Second,
		Pricing:       testPolicy(),
	}, Dependencies{
		Listings:    repo,
		Collector:   p.collector,
		Translation: cache,
		Destination: p.destination,
		Quota:       storage.NewMemoryQuota(quota),
		Locker:      storage.NewKeyedLocker(),
		Log:         log,
	})
	p.orch.now = p.clock.Now
	p.orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

// seedListed walks a new listing through the pipeline states directly in repo.
func seedListed(repo *storage.MemoryAdapter, ref, destinationID string) *domain.Listing {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l, _, _ := repo.UpsertListing(ctx, domain.Listing{
		ID:        "id-" + ref,
		SourceRef: ref,
		State:     domain.StateScraped,
		CreatedAt: now,
		UpdatedAt: now,
	})
	l.SourceCost = decimal.NewFromInt(10000)
	l.ShippingEstimate = decimal.NewFromInt(800)
	l.DestinationPrice = decimal.NewFromInt(130)
	l.DestinationID = destinationID
	for _, s := range []domain.State{domain.StateTranslated, domain.StatePriced, domain.StateListed} {
		tr, _ := l.TransitionTo(s, "seed", now)
		repo.SaveTransition(ctx, l, &tr)
	}
	return l
}
