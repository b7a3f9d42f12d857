package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/metrics"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

// TextRules is the post-processing applied to every fresh translation.
type TextRules struct {
	BlockList []string
	Locale    string
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\p{Zs}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)

	asciiPunct = strings.NewReplacer(
		"，", ", ", "、", ", ", "。", ". ", "！", "! ", "？", "? ",
		"：", ": ", "；", "; ", "（", " (", "）", ") ",
	)
)

// ContentHash keys the cache on the exact source text.
func ContentHash(title, description string) string {
	sum := sha256.Sum256([]byte(title + "\n" + description))
	return hex.EncodeToString(sum[:])
}

type TranslationCache struct {
	store      port.TranslationStore
	translator port.Translator
	rules      TextRules
	blocked    []*regexp.Regexp
	group      singleflight.Group
	timeout    time.Duration
	metrics    *metrics.Pipeline
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewTranslationCache(store port.TranslationStore, translator port.Translator, rules TextRules, m *metrics.Pipeline, log logrus.FieldLogger) *TranslationCache {
	c := &TranslationCache{
		store:      store,
		translator: translator,
		rules:      rules,
		timeout:    30 * time.Second,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
	for _, term := range rules.BlockList {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		c.blocked = append(c.blocked, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(term)))
	}
	return c
}

// WithCallTimeout bounds each provider flight. Flights outlive the caller that
// started them, so this is their only deadline.
func (c *TranslationCache) WithCallTimeout(d time.Duration) *TranslationCache {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Localize returns the cached translation of title and description, calling the
// provider at most once per distinct text even under concurrent misses.
func (c *TranslationCache) Localize(ctx context.Context, title, description string) (domain.Localized, error) {
	hash := ContentHash(title, description)

	entry, err := c.store.GetTranslation(ctx, hash)
	if err != nil {
		return domain.Localized{}, fmt.Errorf("translation lookup: %w", err)
	}
	if entry != nil {
		c.metrics.CacheLookup(true)
		return domain.Localized{Title: entry.Title, Description: entry.Description}, nil
	}
	c.metrics.CacheLookup(false)

	flight := c.group.DoChan(hash, func() (any, error) {
		// waiters share this flight, so one caller's cancellation must not end it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		// a previous flight may have finished between the lookup and here
		entry, err := c.store.GetTranslation(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("translation lookup: %w", err)
		}
		if entry != nil {
			return domain.Localized{Title: entry.Title, Description: entry.Description}, nil
		}

		raw, err := c.translator.Translate(ctx, title, description)
		if err != nil {
			return nil, err
		}

		out := domain.Localized{
			Title:       c.clean(raw.Title),
			Description: c.clean(raw.Description),
		}
		inserted, err := c.store.PutTranslation(ctx, domain.TranslationEntry{
			Hash:        hash,
			Title:       out.Title,
			Description: out.Description,
			CreatedAt:   c.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("translation store: %w", err)
		}
		if !inserted {
			// keep the first writer's entry
			if existing, err := c.store.GetTranslation(ctx, hash); err == nil && existing != nil {
				out = domain.Localized{Title: existing.Title, Description: existing.Description}
			}
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return domain.Localized{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return domain.Localized{}, res.Err
		}
		if res.Shared {
			c.log.WithField("hash", hash[:12]).Debug("translation shared with in-flight request")
		}
		return res.Val.(domain.Localized), nil
	}
}

func (c *TranslationCache) clean(s string) string {
	for _, re := range c.blocked {
		s = re.ReplaceAllString(s, "")
	}
	if strings.HasPrefix(strings.ToLower(c.rules.Locale), "en") {
		s = asciiPunct.Replace(s)
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = horizontalSpace.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)
		line = strings.ReplaceAll(line, " ,", ",")
		line = strings.ReplaceAll(line, " .", ".")
		lines[i] = line
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
