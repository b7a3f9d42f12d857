package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

// HTTPTranslator calls a batch translation API:
//
//	POST {base}/v1/translate {"source":"ja","target":"en","texts":[...]}
//	  -> {"translations":["...", "..."]}
type HTTPTranslator struct {
	client *jsonClient
	source string
	target string
}

func NewHTTPTranslator(sourceLang, targetLang string, opts HTTPOptions) (*HTTPTranslator, error) {
	client, err := newJSONClient(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPTranslator{client: client, source: sourceLang, target: targetLang}, nil
}

func (t *HTTPTranslator) Translate(ctx context.Context, title, description string) (domain.Localized, error) {
	req := map[string]any{
		"source": t.source,
		"target": t.target,
		"texts":  []string{title, description},
	}

	resp, err := t.client.do(ctx, http.MethodPost, "/v1/translate", req, nil)
	if err != nil {
		return domain.Localized{}, destinationTransportFailure(err)
	}
	if err := destinationStatusFailure(resp); err != nil {
		return domain.Localized{}, err
	}

	var out struct {
		Translations []string `json:"translations"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return domain.Localized{}, domain.WrapFailure(domain.KindTransient, fmt.Errorf("decode translation: %w", err))
	}
	if len(out.Translations) != 2 {
		return domain.Localized{}, domain.NewFailure(domain.KindTransient, "expected 2 translations, got %d", len(out.Translations))
	}
	return domain.Localized{Title: out.Translations[0], Description: out.Translations[1]}, nil
}
