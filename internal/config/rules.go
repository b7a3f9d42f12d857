package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type CategoryRule struct {
	ID         string   `yaml:"id"`
	Keywords   []string `yaml:"keywords"`   // case-insensitive substrings of title or description
	Confidence float64  `yaml:"confidence"` // confidence when every keyword matches
}

// Rules is the content policy applied to translations and categories.
type Rules struct {
	Locale          string         `yaml:"locale"`
	BlockList       []string       `yaml:"blocklist"`
	DefaultCategory string         `yaml:"default_category"`
	Categories      []CategoryRule `yaml:"categories"`
}

func LoadRules(path string) (*Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	for i := range r.Categories {
		if r.Categories[i].ID == "" {
			return nil, fmt.Errorf("category rule %d has no id", i)
		}
		if r.Categories[i].Confidence == 0 {
			r.Categories[i].Confidence = 1
		}
	}
	return &r, nil
}
