package marketplace

import (
	"context"
	"sort"
	"strings"

	"github.com/rl1809/arbitrage-pipeline/internal/config"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// KeywordCategorizer suggests destination categories from keyword rules.
type KeywordCategorizer struct {
	rules []config.CategoryRule
}

func NewKeywordCategorizer(rules []config.CategoryRule) *KeywordCategorizer {
	return &KeywordCategorizer{rules: rules}
}

func (k *KeywordCategorizer) Suggest(ctx context.Context, title, description string) ([]domain.CategorySuggestion, error) {
	text := strings.ToLower(title + "\n" + description)

	var out []domain.CategorySuggestion
	for _, rule := range k.rules {
		if len(rule.Keywords) == 0 {
			continue
		}
		matched := 0
		for _, kw := range rule.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		// one hit earns half the rule's confidence, every keyword earns all of it
		score := rule.Confidence * (0.5 + 0.5*float64(matched)/float64(len(rule.Keywords)))
		out = append(out, domain.CategorySuggestion{CategoryID: rule.ID, Confidence: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CategoryID < out[j].CategoryID
	})
	return out, nil
}
