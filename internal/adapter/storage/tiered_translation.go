package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

// TieredTranslationStore reads through a fast cache to the durable store.
// Cache errors degrade to the durable store.
type TieredTranslationStore struct {
	cache   port.TranslationStore
	durable port.TranslationStore
	log     logrus.FieldLogger
}

func NewTieredTranslationStore(cache, durable port.TranslationStore, log logrus.FieldLogger) *TieredTranslationStore {
	return &TieredTranslationStore{cache: cache, durable: durable, log: log}
}

func (t *TieredTranslationStore) GetTranslation(ctx context.Context, hash string) (*domain.TranslationEntry, error) {
	entry, err := t.cache.GetTranslation(ctx, hash)
	if err != nil {
		t.log.WithError(err).Warn("translation cache read")
	}
	if entry != nil {
		return entry, nil
	}

	entry, err = t.durable.GetTranslation(ctx, hash)
	if err != nil || entry == nil {
		return entry, err
	}
	if _, err := t.cache.PutTranslation(ctx, *entry); err != nil {
		t.log.WithError(err).Warn("translation cache fill")
	}
	return entry, nil
}

func (t *TieredTranslationStore) PutTranslation(ctx context.Context, entry domain.TranslationEntry) (bool, error) {
	inserted, err := t.durable.PutTranslation(ctx, entry)
	if err != nil {
		return false, err
	}
	if inserted {
		if _, err := t.cache.PutTranslation(ctx, entry); err != nil {
			t.log.WithError(err).Warn("translation cache write")
		}
	}
	return inserted, nil
}
