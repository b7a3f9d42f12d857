package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the collectors of the listing pipeline. A nil *Pipeline is a
// valid no-op recorder.
type Pipeline struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
	translationCache *prometheus.CounterVec
	quotaRemaining   prometheus.Gauge
	queueDepth       prometheus.Gauge
	sweepDuration    prometheus.Summary
	reconcile        *prometheus.CounterVec
}

func New() *Pipeline {
	p := &Pipeline{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbitrage_transitions_total",
			Help: "Listing state transitions",
		}, []string{"from", "to"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbitrage_stage_failures_total",
			Help: "Stage failures by stage and failure kind",
		}, []string{"stage", "kind"}),
		translationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbitrage_translation_cache_total",
			Help: "Translation cache lookups by result",
		}, []string{"result"}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_publish_quota_remaining",
			Help: "Publish slots left today",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_queue_depth",
			Help: "Listings waiting for a worker",
		}),
		sweepDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "arbitrage_reconcile_sweep_duration_seconds",
			Help:       "Duration of reconciliation sweeps",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbitrage_reconcile_outcomes_total",
			Help: "Reconciliation outcomes per listing check",
		}, []string{"outcome"}),
	}

	p.registry.MustRegister(
		p.transitions,
		p.stageFailures,
		p.translationCache,
		p.quotaRemaining,
		p.queueDepth,
		p.sweepDuration,
		p.reconcile,
		collectors.NewGoCollector(),
	)
	return p
}

func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Pipeline) Transition(from, to string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Pipeline) StageFailure(stage, kind string) {
	if p == nil {
		return
	}
	p.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (p *Pipeline) CacheLookup(hit bool) {
	if p == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.translationCache.WithLabelValues(result).Inc()
}

func (p *Pipeline) QuotaRemaining(n int) {
	if p == nil {
		return
	}
	p.quotaRemaining.Set(float64(n))
}

func (p *Pipeline) QueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *Pipeline) SweepDuration(seconds float64) {
	if p == nil {
		return
	}
	p.sweepDuration.Observe(seconds)
}

func (p *Pipeline) ReconcileOutcome(outcome string) {
	if p == nil {
		return
	}
	p.reconcile.WithLabelValues(outcome).Inc()
}
