// Package telemetry exposes the service's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the tuning-service instruments. All of them are registered
// on the registry passed to New, which /metrics serves.
type Metrics struct {
	Passes            *prometheus.CounterVec
	PassDuration      *prometheus.HistogramVec
	ScheduledSessions prometheus.Gauge
	EvalFailures      *prometheus.CounterVec
}

// Pass outcomes recorded on the Passes counter.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// New registers the tuning metrics on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuner_passes_total",
			Help: "Completed tuning passes by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuner_pass_duration_seconds",
			Help:    "Wall-clock duration of tuning passes.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"strategy"}),
		ScheduledSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tuner_scheduled_sessions",
			Help: "Sessions currently holding a recurring tuning schedule.",
		}),
		EvalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuner_eval_failures_total",
			Help: "Candidate evaluations that failed, by strategy.",
		}, []string{"strategy"}),
	}
	reg.MustRegister(m.Passes, m.PassDuration, m.ScheduledSessions, m.EvalFailures)
	return m
}

// NewNop returns metrics on a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
