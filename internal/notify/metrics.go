package notify

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes pipeline counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	StepAttempts    *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	TriggersDropped prometheus.Counter
	Merges          prometheus.Counter
	Continuations   prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_transitions_total",
			Help: "Pipeline state transitions by destination state.",
		}, []string{"to"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_step_attempts_total",
			Help: "Step executor attempts by step and result.",
		}, []string{"step", "result"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prwarden_runs_active",
			Help: "Currently active pipeline runs.",
		}),
		TriggersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_triggers_dropped_total",
			Help: "Validation triggers dropped because no worker slot freed up in time.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_merges_total",
			Help: "Pull requests merged by the merge decision state.",
		}),
		Continuations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_feedback_continuations_total",
			Help: "Continuation prompts submitted to the code-generation agent.",
		}),
	}
	m.registry.MustRegister(
		m.Transitions, m.StepAttempts, m.ActiveRuns,
		m.TriggersDropped, m.Merges, m.Continuations,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
