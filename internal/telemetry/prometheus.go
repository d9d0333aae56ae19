package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports attempts and decisions as tally_* metrics.
type Prometheus struct {
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cost        *prometheus.CounterVec
	confidence  *prometheus.HistogramVec
	decisions   *prometheus.CounterVec
	overall     prometheus.Histogram
	degradedRun prometheus.Counter
}

// NewPrometheus registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "provider",
			Name:      "cost_total",
			Help:      "Accumulated provider cost in billing units.",
		}, []string{"provider"}),
		confidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "provider",
			Name:      "confidence",
			Help:      "Recognition confidence reported by providers.",
			Buckets:   prometheus.LinearBuckets(0.5, 0.05, 10),
		}, []string{"provider"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Pipeline verdicts by verdict and priority.",
		}, []string{"kind", "verdict", "priority"}),
		overall: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "pipeline",
			Name:      "overall_confidence",
			Help:      "Document-level confidence at decision time.",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 0.98, 1},
		}),
		degradedRun: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "pipeline",
			Name:      "degraded_total",
			Help:      "Runs where every provider failed or none reached its tier.",
		}),
	}
}

func (p *Prometheus) RecordAttempt(a Attempt) {
	p.attempts.WithLabelValues(a.Provider, string(a.Outcome)).Inc()
	p.latency.WithLabelValues(a.Provider).Observe(a.Latency.Seconds())
	if a.Cost > 0 {
		p.cost.WithLabelValues(a.Provider).Add(a.Cost)
	}
	if a.Outcome == OutcomeAccepted || a.Outcome == OutcomeBelowThreshold {
		p.confidence.WithLabelValues(a.Provider).Observe(a.Confidence)
	}
}

func (p *Prometheus) RecordDecision(d Decision) {
	p.decisions.WithLabelValues(d.Kind, d.Verdict, d.Priority).Inc()
	p.overall.Observe(d.Overall)
	if d.Degraded {
		p.degradedRun.Inc()
	}
}
