// Package metrics holds the prometheus instrumentation of the policy engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "device_policy"

type Metrics struct {
	evaluations    *prometheus.CounterVec // by pipeline: attribute, device
	filtered       *prometheus.CounterVec // by pipeline
	emitted        *prometheus.CounterVec // by message kind
	functionErrors *prometheus.CounterVec // by function id and error type
	windows        prometheus.Gauge
	expirations    prometheus.Counter
	lookups        *prometheus.CounterVec // by status: hit, miss, error
}

// New creates the metrics and registers them with registerer.
// A nil registerer disables the metrics.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		return nil, nil
	}

	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "evaluations_total",
			Help:      "Total number of pipeline evaluations",
		}, []string{"pipeline"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "filtered_total",
			Help:      "Total number of values which did not make it through their pipeline",
		}, []string{"pipeline"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Total number of messages produced",
		}, []string{"kind"}),
		functionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "function_errors_total",
			Help:      "Total number of policy function errors",
		}, []string{"function", "error_type"}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "windows",
			Help:      "Number of scheduled windows",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "expirations_total",
			Help:      "Total number of window expirations",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "lookups_total",
			Help:      "Total number of policy lookups",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{m.evaluations, m.filtered, m.emitted, m.functionErrors, m.windows, m.expirations, m.lookups} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) Evaluation(pipeline string, passed bool) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(pipeline).Inc()
	if !passed {
		m.filtered.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) FunctionError(functionID, errorType string) {
	if m == nil {
		return
	}
	m.functionErrors.WithLabelValues(functionID, errorType).Inc()
}

func (m *Metrics) Emitted(kind string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.emitted.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) Windows(count int) {
	if m == nil {
		return
	}
	m.windows.Set(float64(count))
}

func (m *Metrics) Expiration() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

func (m *Metrics) Lookup(status string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(status).Inc()
}
