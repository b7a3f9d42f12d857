package marketplace

import (
	"fmt"
	"os"

	"github.com/rl1809/arbitrage-pipeline/internal/config"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

func NewCollectorFromConfig(cfg config.SourceConfig) (port.SourceCollector, error) {
	switch cfg.Adapter {
	case "http", "":
		return NewHTTPCollector(cfg.Marketplace, HTTPOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	case "browser":
		script := ""
		if cfg.ScriptFile != "" {
			b, err := os.ReadFile(cfg.ScriptFile)
			if err != nil {
				return nil, fmt.Errorf("read extract script: %w", err)
			}
			script = string(b)
		}
		return NewBrowserCollector(cfg.Marketplace, BrowserOptions{
			BaseURL:       cfg.BaseURL,
			ExtractScript: script,
			SettleDelay:   cfg.SettleDelay,
		})
	case "mock":
		return NewMockCollector(cfg.Marketplace), nil
	}
	return nil, fmt.Errorf("unknown source adapter %q", cfg.Adapter)
}

func NewDestinationFromConfig(cfg config.DestinationConfig) (port.Destination, error) {
	var dst port.Destination
	switch cfg.Adapter {
	case "http", "":
		d, err := NewHTTPDestination(HTTPOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
		if err != nil {
			return nil, err
		}
		dst = d
	case "mock":
		dst = NewMockDestination()
	default:
		return nil, fmt.Errorf("unknown destination adapter %q", cfg.Adapter)
	}
	return NewRateLimitedDestination(dst, cfg.RatePerSecond, cfg.Burst), nil
}

func NewTranslatorFromConfig(cfg config.TranslatorConfig) (port.Translator, error) {
	switch cfg.Adapter {
	case "http", "":
		return NewHTTPTranslator(cfg.SourceLang, cfg.TargetLang, HTTPOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	case "mock":
		return NewMockTranslator(cfg.TargetLang), nil
	}
	return nil, fmt.Errorf("unknown translator adapter %q", cfg.Adapter)
}

// NewCompetitorSignalFromConfig returns nil when no price index is configured.
func NewCompetitorSignalFromConfig(cfg config.CompetitorConfig) (port.CompetitorSignal, error) {
	if cfg.BaseURL == "" {
		return nil, nil
	}
	return NewHTTPCompetitorSignal(cfg.MinCount, HTTPOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
}
