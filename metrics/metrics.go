// Package metrics exposes Prometheus collectors for the idempotency gateway and
// the delivery workers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
	DeliveryDeferred  = "deferred"
)

// Gateway outcomes.
const (
	GatewayStarted  = "started"
	GatewayReplayed = "replayed"
	GatewayTimeout  = "timeout"
	GatewayFailed   = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	deliveries     *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	emptyPolls     prometheus.Counter
	gatewayResults *prometheus.CounterVec
	claimWait      prometheus.Histogram
}

// New registers the collectors on a private registry under namespace
// ("newsletter" when empty).
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "newsletter"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "tasks_total",
			Help:      "Delivery tasks processed, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "task_duration_seconds",
			Help:      "Time from claiming a delivery task to releasing it.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		emptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "empty_polls_total",
			Help:      "Claim attempts that found the queue empty.",
		}),
		gatewayResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Idempotent commands, by outcome.",
		}, []string{"outcome"}),
		claimWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "claim_wait_seconds",
			Help:      "Time spent waiting for a concurrent request to save its response.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}
	m.registry.MustRegister(
		m.deliveries, m.taskDuration, m.emptyPolls, m.gatewayResults, m.claimWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Delivery(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.taskDuration.Observe(took.Seconds())
}

func (m *Metrics) EmptyPoll() {
	if m == nil {
		return
	}
	m.emptyPolls.Inc()
}

func (m *Metrics) Gateway(outcome string) {
	if m == nil {
		return
	}
	m.gatewayResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClaimWait(took time.Duration) {
	if m == nil {
		return
	}
	m.claimWait.Observe(took.Seconds())
}

// Deliveries exposes the delivery counter, mostly for tests.
func (m *Metrics) Deliveries() *prometheus.CounterVec { return m.deliveries }

// GatewayResults exposes the gateway outcome counter, mostly for tests.
func (m *Metrics) GatewayResults() *prometheus.CounterVec { return m.gatewayResults }
