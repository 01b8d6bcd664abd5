// ABOUTME: Prometheus collectors for feeds, dispatch, reconciliation, uploads and presence
// ABOUTME: All methods are nil-safe so components can run without metrics wired in

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_chat"

// Metrics groups the collectors exported by the chat backend.
type Metrics struct {
	registry *prometheus.Registry

	subscriptions   *prometheus.GaugeVec
	droppedSubs     prometheus.Counter
	dispatched      *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	reconciled      *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	presence        *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry, with the Go
// runtime and process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscriptions",
			Help:      "Open live feed subscriptions by kind.",
		}, []string{"kind"}),
		droppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_subscribers_total",
			Help:      "Subscribers closed because they fell behind.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Message dispatch attempts by result.",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to persist and publish a message.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reconciled_total",
			Help:      "Confirmed messages ingested, by how they were placed.",
		}, []string{"mode"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads by result.",
		}, []string{"result"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Presence status changes by new status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.subscriptions,
		m.droppedSubs,
		m.dispatched,
		m.dispatchLatency,
		m.reconciled,
		m.uploads,
		m.presence,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// SubscriptionOpened increments the open-subscription gauge for kind.
func (m *Metrics) SubscriptionOpened(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Inc()
}

// SubscriptionClosed decrements the open-subscription gauge for kind.
func (m *Metrics) SubscriptionClosed(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Dec()
}

// SubscriberDropped counts a subscriber closed for falling behind.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedSubs.Inc()
}

// Dispatched records a dispatch outcome ("ok", "duplicate", "error") and its latency.
func (m *Metrics) Dispatched(result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(result).Inc()
	m.dispatchLatency.Observe(seconds)
}

// Reconciled records how a pending message was matched ("client_id" or "heuristic").
func (m *Metrics) Reconciled(mode string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(mode).Inc()
}

// Upload records an upload outcome ("ok" or "error").
func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

// PresenceChanged counts a status transition.
func (m *Metrics) PresenceChanged(status string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(status).Inc()
}
