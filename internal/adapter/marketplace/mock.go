package marketplace

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// MockCollector synthesizes deterministic items for offline runs. Refs with
// the prefix "gone-" behave as removed items.
type MockCollector struct {
	marketplace string
}

func NewMockCollector(marketplace string) *MockCollector {
	return &MockCollector{marketplace: marketplace}
}

func (m *MockCollector) Fetch(ctx context.Context, sourceRef string) (domain.SourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceSnapshot{}, err
	}
	ref := strings.TrimSpace(sourceRef)
	if ref == "" || strings.HasPrefix(ref, "gone-") {
		return domain.SourceSnapshot{}, domain.NewFailure(domain.KindNotFound, "source item %s not found", ref)
	}

	h := fnv.New32a()
	h.Write([]byte(ref))
	seed := int64(h.Sum32())

	return domain.SourceSnapshot{
		SourceRef:   ref,
		Marketplace: m.marketplace,
		URL:         "https://source.example/items/" + ref,
		Title:       fmt.Sprintf("サンプル商品 %s", ref),
		Description: "状態：良好。付属品あり。",
		Price:       decimal.NewFromInt(1000 + seed%20000),
		Shipping:    decimal.NewFromInt(500 + seed%1000),
		ImageURLs:   []string{"https://source.example/img/" + ref + ".jpg"},
		Available:   true,
		FetchedAt:   time.Now(),
	}, nil
}

// MockTranslator prefixes text with the target locale.
type MockTranslator struct {
	target string
}

func NewMockTranslator(target string) *MockTranslator {
	return &MockTranslator{target: target}
}

func (m *MockTranslator) Translate(ctx context.Context, title, description string) (domain.Localized, error) {
	if err := ctx.Err(); err != nil {
		return domain.Localized{}, err
	}
	return domain.Localized{
		Title:       fmt.Sprintf("[%s] %s", m.target, title),
		Description: fmt.Sprintf("[%s] %s", m.target, description),
	}, nil
}

// MockDestination keeps published listings in memory. Creating twice with the
// same listing id returns the first destination id.
type MockDestination struct {
	mu       sync.Mutex
	byID     map[string]*mockListing
	byOrigin map[string]string
	seq      int
}

type mockListing struct {
	payload   domain.PublishPayload
	inventory int
	sold      bool
	soldAt    time.Time
}

func NewMockDestination() *MockDestination {
	return &MockDestination{
		byID:     make(map[string]*mockListing),
		byOrigin: make(map[string]string),
	}
}

func (m *MockDestination) Publish(ctx context.Context, payload domain.PublishPayload, existingID string) (domain.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PublishResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := existingID
	if id == "" {
		id = m.byOrigin[payload.ListingID]
	}
	if id == "" {
		m.seq++
		id = fmt.Sprintf("dst-%06d", m.seq)
		m.byOrigin[payload.ListingID] = id
	}
	if existing, ok := m.byID[id]; ok {
		existing.payload = payload
	} else {
		m.byID[id] = &mockListing{payload: payload, inventory: 1}
	}
	return domain.PublishResult{DestinationID: id, URL: "https://destination.example/listings/" + id}, nil
}

func (m *MockDestination) SaleStatus(ctx context.Context, destinationID string) (domain.SaleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byID[destinationID]
	if !ok {
		return domain.SaleStatus{}, domain.NewFailure(domain.KindRejected, "unknown destination listing %s", destinationID)
	}
	if !l.sold {
		return domain.SaleStatus{}, nil
	}
	return domain.SaleStatus{Sold: true, SalePrice: l.payload.Price, SoldAt: l.soldAt}, nil
}

func (m *MockDestination) SetInventoryZero(ctx context.Context, destinationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byID[destinationID]
	if !ok {
		return domain.NewFailure(domain.KindRejected, "unknown destination listing %s", destinationID)
	}
	l.inventory = 0
	return nil
}

// MarkSold simulates a buyer purchasing the listing.
func (m *MockDestination) MarkSold(destinationID string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byID[destinationID]
	if !ok {
		return false
	}
	l.sold = true
	l.soldAt = at
	return true
}

func (m *MockDestination) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MockDestination) Inventory(destinationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byID[destinationID]; ok {
		return l.inventory
	}
	return -1
}
