// Tracks context lifecycle and solve statistics as Prometheus collectors.

package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Solve outcomes recorded by Metrics.Solves.
const (
	OutcomeConverged    = "converged"
	OutcomeNotConverged = "not_converged"
	OutcomeCached       = "cached"
	OutcomeError        = "error"
)

// Metrics aggregates context and solve statistics. One Metrics may be shared
// by the runtimes of every rank.
type Metrics struct {
	ContextsLive        prometheus.Gauge
	ContextsConstructed prometheus.Counter
	Solves              *prometheus.CounterVec // by outcome
	SolveSeconds        prometheus.Histogram
	SCFIterations       prometheus.Histogram
	Violations          *prometheus.CounterVec // by kind
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContextsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "groundstate",
			Name:      "contexts_live",
			Help:      "Simulation contexts constructed and not yet released, summed over ranks.",
		}),
		ContextsConstructed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groundstate",
			Name:      "contexts_constructed_total",
			Help:      "Simulation contexts constructed, summed over ranks.",
		}),
		Solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundstate",
			Name:      "solves_total",
			Help:      "Ground-state requests by outcome.",
		}, []string{"outcome"}),
		SolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "groundstate",
			Name:      "solve_duration_seconds",
			Help:      "Wall time of ground-state solves that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		SCFIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "groundstate",
			Name:      "scf_iterations",
			Help:      "Self-consistency iterations per solve.",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundstate",
			Name:      "contract_violations_total",
			Help:      "Lifecycle contract violations escalated to a group abort.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.ContextsLive, m.ContextsConstructed, m.Solves,
			m.SolveSeconds, m.SCFIterations, m.Violations)
	}
	return m
}
