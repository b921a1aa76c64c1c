// Package metrics exposes Prometheus collectors for cache and workflow
// activity. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flagstate"

// Outcome labels.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeSuperseded = "superseded"
	OutcomeRejected   = "rejected"
	OutcomeWarning    = "warning"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	// CacheLoads counts slice loads. Labels: cache, outcome.
	CacheLoads *prometheus.CounterVec
	// CacheLoadSeconds measures fetch latency. Labels: cache.
	CacheLoadSeconds *prometheus.HistogramVec
	// CacheMutations counts mutations. Labels: cache, outcome.
	CacheMutations *prometheus.CounterVec
	// InFlight tracks outstanding loads and saves. Labels: cache, op.
	InFlight *prometheus.GaugeVec
	// WorkflowTransitions counts change-request transitions. Labels: transition, outcome.
	WorkflowTransitions *prometheus.CounterVec
	// Dispatches counts bus deliveries. Labels: action, outcome.
	Dispatches *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CacheLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Slice loads by cache and outcome.",
		}, []string{"cache", "outcome"}),
		CacheLoadSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "load_seconds",
			Help:      "Slice fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
		CacheMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "mutations_total",
			Help:      "Slice mutations by cache and outcome.",
		}, []string{"cache", "outcome"}),
		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "in_flight",
			Help:      "Outstanding loads and saves.",
		}, []string{"cache", "op"}),
		WorkflowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Change-request transitions by outcome.",
		}, []string{"transition", "outcome"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dispatches_total",
			Help:      "Bus deliveries by action and outcome.",
		}, []string{"action", "outcome"}),
	}
}

func (m *Metrics) ObserveLoad(cache, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CacheLoads.WithLabelValues(cache, outcome).Inc()
	if outcome != OutcomeSuperseded {
		m.CacheLoadSeconds.WithLabelValues(cache).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveMutation(cache, outcome string) {
	if m == nil {
		return
	}
	m.CacheMutations.WithLabelValues(cache, outcome).Inc()
}

// Track increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) Track(cache, op string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.InFlight.WithLabelValues(cache, op)
	gauge.Inc()
	return gauge.Dec
}

func (m *Metrics) ObserveTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.WorkflowTransitions.WithLabelValues(transition, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(action, outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(action, outcome).Inc()
}

// Outcome maps an error to the success/error label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
