package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for flow execution, namespaced with
// "stateflow". Optional: a nil *Metrics on the engine disables collection.
//
// Exposed series:
//   - active_flows (gauge): flows not yet completed or failed.
//   - transitions_total (counter): executed events by definition, event and
//     status (success/failure).
//   - transition_latency_ms (histogram): end-to-end Execute duration.
//   - retries_total (counter): re-attempts beyond the first, by definition
//     and event.
//   - compensations_total (counter): compensation runs by definition.
//   - idempotent_hits_total (counter): replayed start/execute calls.
type Metrics struct {
	activeFlows    prometheus.Gauge
	transitions    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	idempotentHits *prometheus.CounterVec
}

// NewMetrics creates and registers the flow metrics with the given registry.
// Pass prometheus.DefaultRegisterer for the global registry, or a dedicated
// prometheus.NewRegistry for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "active_flows",
			Help:      "Number of flows that have not reached a terminal status.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "transitions_total",
			Help:      "Executed events by definition, event and status.",
		}, []string{"definition", "event", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "transition_latency_ms",
			Help:      "Execute duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"definition", "event"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "retries_total",
			Help:      "Transition attempts beyond the first.",
		}, []string{"definition", "event"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "compensations_total",
			Help:      "Compensation runs by definition.",
		}, []string{"definition"}),
		idempotentHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "idempotent_hits_total",
			Help:      "Start/execute calls answered from an idempotency key binding.",
		}, []string{"definition", "operation"}),
	}
}

func (m *Metrics) flowStarted() {
	if m != nil {
		m.activeFlows.Inc()
	}
}

func (m *Metrics) flowTerminal() {
	if m != nil {
		m.activeFlows.Dec()
	}
}

func (m *Metrics) transition(definition, event, status string) {
	if m != nil {
		m.transitions.WithLabelValues(definition, event, status).Inc()
	}
}

func (m *Metrics) observeLatency(definition, event string, d time.Duration) {
	if m != nil {
		m.latency.WithLabelValues(definition, event).Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) retried(definition, event string, extraAttempts int) {
	if m != nil && extraAttempts > 0 {
		m.retries.WithLabelValues(definition, event).Add(float64(extraAttempts))
	}
}

func (m *Metrics) compensated(definition string) {
	if m != nil {
		m.compensations.WithLabelValues(definition).Inc()
	}
}

func (m *Metrics) idempotentHit(definition, operation string) {
	if m != nil {
		m.idempotentHits.WithLabelValues(definition, operation).Inc()
	}
}
