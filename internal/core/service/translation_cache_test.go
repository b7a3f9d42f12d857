package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/logging"
)

func TestTranslationCache_MissThenHit(t *testing.T) {
	store := storage.NewMemoryAdapter()
	translator := newMockTranslator()
	cache := NewTranslationCache(store, translator, TextRules{Locale: "en"}, nil, logging.Discard())
	ctx := context.Background()

	first, err := cache.Localize(ctx, "カメラ", "美品")
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	second, err := cache.Localize(ctx, "カメラ", "美品")
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}

	if first != second {
		t.Errorf("expected identical results, got %+v and %+v", first, second)
	}
	if translator.calls.Load() != 1 {
		t.Errorf("expected 1 translator call, got %d", translator.calls.Load())
	}

	entry, _ := store.GetTranslation(ctx, ContentHash("カメラ", "美品"))
	if entry == nil || entry.Title != first.Title {
		t.Errorf("expected stored entry, got %+v", entry)
	}
}

func TestTranslationCache_SingleFlight(t *testing.T) {
	store := storage.NewMemoryAdapter()
	translator := newMockTranslator()
	translator.gate = make(chan struct{})
	cache := NewTranslationCache(store, translator, TextRules{}, nil, logging.Discard())

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan domain.Localized, callers)
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, err := cache.Localize(context.Background(), "時計", "動作品")
			if err != nil {
				errs <- err
				return
			}
			results <- loc
		}()
	}

	close(translator.gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("Localize failed: %v", err)
	}
	if translator.calls.Load() != 1 {
		t.Errorf("expected exactly 1 translator call, got %d", translator.calls.Load())
	}
	for loc := range results {
		if loc.Title != "EN 時計" {
			t.Errorf("unexpected title %q", loc.Title)
		}
	}
}

func TestTranslationCache_KeepsFirstWriter(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()
	hash := ContentHash("a", "b")

	translator := newMockTranslator()
	translator.translate = func(ctx context.Context, title, description string) (domain.Localized, error) {
		// another process stores its translation while ours is in flight
		store.PutTranslation(ctx, domain.TranslationEntry{Hash: hash, Title: "first", Description: "writer"})
		return domain.Localized{Title: "second", Description: "writer"}, nil
	}
	cache := NewTranslationCache(store, translator, TextRules{}, nil, logging.Discard())

	loc, err := cache.Localize(ctx, "a", "b")
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	if loc.Title != "first" {
		t.Errorf("expected the stored entry to win, got %q", loc.Title)
	}
}

func TestTranslationCache_Clean(t *testing.T) {
	cache := NewTranslationCache(storage.NewMemoryAdapter(), newMockTranslator(), TextRules{
		BlockList: []string{"Free Shipping", "  "},
		Locale:    "en-US",
	}, nil, logging.Discard())

	tests := []struct {
		in   string
		want string
	}{
		{"Camera  FREE SHIPPING body", "Camera body"},
		{"Lens，great。", "Lens, great."},
		{"line one\n\n\n\nline two", "line one\n\nline two"},
		{"\t padded 　 text ", "padded text"},
	}

	for _, tt := range tests {
		if got := cache.clean(tt.in); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTranslationCache_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	store := storage.NewMemoryAdapter()
	translator := newMockTranslator()
	translator.gate = make(chan struct{})
	var flightErr error
	translator.translate = func(ctx context.Context, title, description string) (domain.Localized, error) {
		flightErr = ctx.Err()
		return domain.Localized{Title: "EN " + title, Description: "EN " + description}, nil
	}
	cache := NewTranslationCache(store, translator, TextRules{}, nil, logging.Discard())

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Localize(firstCtx, "鞄", "新品")
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for translator.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("flight never started")
		}
		time.Sleep(time.Millisecond)
	}

	type result struct {
		loc domain.Localized
		err error
	}
	second := make(chan result, 1)
	go func() {
		loc, err := cache.Localize(context.Background(), "鞄", "新品")
		second <- result{loc, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled for the cancelled caller, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(translator.gate)
	res := <-second
	if res.err != nil {
		t.Fatalf("expected the waiting caller to succeed, got %v", res.err)
	}
	if res.loc.Title != "EN 鞄" {
		t.Errorf("unexpected title %q", res.loc.Title)
	}
	if flightErr != nil {
		t.Errorf("expected the flight context to survive the cancel, got %v", flightErr)
	}
	if translator.calls.Load() != 1 {
		t.Errorf("expected exactly 1 translator call, got %d", translator.calls.Load())
	}
}
