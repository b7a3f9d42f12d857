package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilPipelineIsNoop(t *testing.T) {
	var p *Pipeline
	p.Transition("scraped", "translated")
	p.StageFailure("publish", "transient")
	p.CacheLookup(true)
	p.QuotaRemaining(3)
	p.SweepDuration(0.5)
	p.ReconcileOutcome("sold")
}

func TestHandlerExposesCounters(t *testing.T) {
	p := New()
	p.Transition("priced", "listed")
	p.CacheLookup(false)
	p.QuotaRemaining(7)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`arbitrage_transitions_total{from="priced",to="listed"} 1`,
		`arbitrage_translation_cache_total{result="miss"} 1`,
		`arbitrage_publish_quota_remaining 7`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
