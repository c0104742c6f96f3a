// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
	executionsRunning prometheus.Gauge
	stepDuration      *prometheus.HistogramVec
	triggersTotal     *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
}

// Default histogram buckets for execution duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// New creates the engine metrics registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total executions by terminal status",
			},
			[]string{"status"},
		),

		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Execution duration from creation to terminal state",
				Buckets:   defaultBuckets,
			},
		),

		executionsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_running",
				Help:      "Executions currently live",
			},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_ms",
				Help:      "Accumulated per-step duration, collected when profiling is on",
				Buckets:   defaultBuckets,
			},
			[]string{"step"},
		),

		triggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Registration triggers by reader kind and outcome",
			},
			[]string{"reader", "outcome"},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_messages_total",
				Help:      "Cluster messages by type and direction",
			},
			[]string{"type", "direction"},
		),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.executionsRunning,
		m.stepDuration,
		m.triggersTotal,
		m.messagesTotal,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionStarted counts a new live execution.
func (m *Metrics) ExecutionStarted() {
	m.executionsRunning.Inc()
}

// ExecutionFinished records a terminal transition.
func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	m.executionsRunning.Dec()
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.Observe(float64(d.Milliseconds()))
}

// StepDuration records one step's accumulated duration.
func (m *Metrics) StepDuration(step string, d time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(float64(d.Milliseconds()))
}

// TriggerFired counts a registration trigger outcome.
func (m *Metrics) TriggerFired(reader, outcome string) {
	m.triggersTotal.WithLabelValues(reader, outcome).Inc()
}

// MessageSent counts an outgoing cluster message.
func (m *Metrics) MessageSent(msgType string) {
	m.messagesTotal.WithLabelValues(msgType, "sent").Inc()
}

// MessageReceived counts an incoming cluster message.
func (m *Metrics) MessageReceived(msgType string) {
	m.messagesTotal.WithLabelValues(msgType, "received").Inc()
}
