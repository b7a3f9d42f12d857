package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// MemoryAdapter keeps listings, history, sales and translations in process.
// It backs STORAGE=memory and the service tests.
type MemoryAdapter struct {
	mu           sync.Mutex
	listings     map[string]*domain.Listing
	bySourceRef  map[string]string
	transitions  map[string][]domain.Transition
	sales        map[string]domain.SaleRecord
	translations map[string]domain.TranslationEntry
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		listings:     make(map[string]*domain.Listing),
		bySourceRef:  make(map[string]string),
		transitions:  make(map[string][]domain.Transition),
		sales:        make(map[string]domain.SaleRecord),
		translations: make(map[string]domain.TranslationEntry),
	}
}

func (m *MemoryAdapter) UpsertListing(ctx context.Context, listing domain.Listing) (*domain.Listing, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySourceRef[listing.SourceRef]; ok {
		return cloneListing(m.listings[id]), false, nil
	}
	if _, ok := m.listings[listing.ID]; ok {
		return nil, false, domain.ErrDuplicateSourceRef
	}

	listing.Version = 0
	m.listings[listing.ID] = cloneListing(&listing)
	m.bySourceRef[listing.SourceRef] = listing.ID
	m.transitions[listing.ID] = append(m.transitions[listing.ID], domain.Transition{
		ListingID: listing.ID,
		To:        listing.State,
		Reason:    "first seen",
		At:        listing.CreatedAt,
	})
	return cloneListing(&listing), true, nil
}

func (m *MemoryAdapter) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, domain.ErrListingNotFound
	}
	return cloneListing(l), nil
}

func (m *MemoryAdapter) GetListingBySourceRef(ctx context.Context, sourceRef string) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySourceRef[sourceRef]
	if !ok {
		return nil, domain.ErrListingNotFound
	}
	return cloneListing(m.listings[id]), nil
}

func (m *MemoryAdapter) SaveTransition(ctx context.Context, listing *domain.Listing, tr *domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saveLocked(listing, tr)
}

func (m *MemoryAdapter) saveLocked(listing *domain.Listing, tr *domain.Transition) error {
	current, ok := m.listings[listing.ID]
	if !ok {
		return domain.ErrListingNotFound
	}
	if current.Version != listing.Version {
		return ErrOptimisticLock
	}

	listing.Version++
	m.listings[listing.ID] = cloneListing(listing)
	if tr != nil {
		m.transitions[listing.ID] = append(m.transitions[listing.ID], *tr)
	}
	return nil
}

func (m *MemoryAdapter) MarkSold(ctx context.Context, listing *domain.Listing, tr domain.Transition, sale domain.SaleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sales[listing.ID]; ok {
		return ErrSaleExists
	}
	if err := m.saveLocked(listing, &tr); err != nil {
		return err
	}
	m.sales[listing.ID] = sale
	return nil
}

func (m *MemoryAdapter) ListByState(ctx context.Context, state domain.State, after domain.Cursor, limit int) ([]domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Listing
	for _, l := range m.listings {
		if l.State == state && after.After(l) {
			out = append(out, *cloneListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Listing
	for _, l := range m.listings {
		if l.State == domain.StateError && l.NextAttemptAt != nil && !l.NextAttemptAt.After(now) {
			out = append(out, *cloneListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) ListTransitions(ctx context.Context, listingID string) ([]domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.transitions[listingID]
	out := make([]domain.Transition, len(history))
	copy(out, history)
	return out, nil
}

func (m *MemoryAdapter) GetSaleRecord(ctx context.Context, listingID string) (*domain.SaleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[listingID]
	if !ok {
		return nil, nil
	}
	return &sale, nil
}

func (m *MemoryAdapter) GetTranslation(ctx context.Context, hash string) (*domain.TranslationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.translations[hash]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryAdapter) PutTranslation(ctx context.Context, entry domain.TranslationEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.translations[entry.Hash]; ok {
		return false, nil
	}
	m.translations[entry.Hash] = entry
	return true, nil
}

func cloneListing(l *domain.Listing) *domain.Listing {
	out := *l
	if l.ImageURLs != nil {
		out.ImageURLs = append([]string(nil), l.ImageURLs...)
	}
	if l.LastError != nil {
		f := *l.LastError
		out.LastError = &f
	}
	if l.NextAttemptAt != nil {
		t := *l.NextAttemptAt
		out.NextAttemptAt = &t
	}
	return &out
}

// MemoryQuota is a per-UTC-day publish counter.
type MemoryQuota struct {
	mu    sync.Mutex
	limit int
	day   string
	used  int
}

func NewMemoryQuota(limit int) *MemoryQuota {
	return &MemoryQuota{limit: limit}
}

func (q *MemoryQuota) roll(now time.Time) {
	day := quotaDay(now)
	if day != q.day {
		q.day = day
		q.used = 0
	}
}

func (q *MemoryQuota) TryAcquire(ctx context.Context, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.roll(now)
	if q.used >= q.limit {
		return false, nil
	}
	q.used++
	return true, nil
}

func (q *MemoryQuota) Release(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.roll(now)
	if q.used > 0 {
		q.used--
	}
	return nil
}

func (q *MemoryQuota) Remaining(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.roll(now)
	return q.limit - q.used, nil
}

// KeyedLocker hands out non-blocking per-key locks within one process.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]bool)}
}

func (k *KeyedLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.held[key] {
		return nil, false, nil
	}
	k.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, true, nil
}

func quotaDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
