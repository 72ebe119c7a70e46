// Package metrics holds the Prometheus collectors of a nornicbolt server.
//
// All methods are safe on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	boltMessages      *prometheus.CounterVec
	activeConnections prometheus.Gauge
	queuedJobs        prometheus.Gauge
	autoReadToggles   *prometheus.CounterVec
	clients           *prometheus.CounterVec
	errors            *prometheus.CounterVec

	transactions   *prometheus.CounterVec
	commitLatency  prometheus.Histogram
	bookmarkWait   prometheus.Histogram
	lastClosedTxID prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		boltMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "messages_total",
				Help:      "Counter of processed Bolt messages by type and outcome.",
			}, []string{"message", "outcome"}),

		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "active_connections",
				Help:      "Number of open Bolt connections.",
			}),

		queuedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "queued_jobs",
				Help:      "Jobs waiting in connection queues.",
			}),

		autoReadToggles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "auto_read_toggles_total",
				Help:      "Counter of back-pressure auto-read switches.",
			}, []string{"state"}),

		clients: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "clients_total",
				Help:      "Counter of initialized sessions by user agent.",
			}, []string{"user_agent"}),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicbolt",
				Subsystem: "bolt",
				Name:      "errors_total",
				Help:      "Counter of failures reported to clients by classification.",
			}, []string{"classification"}),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nornicbolt",
				Subsystem: "kernel",
				Name:      "transactions_total",
				Help:      "Counter of closed transactions by outcome.",
			}, []string{"outcome"}),

		commitLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nornicbolt",
				Subsystem: "kernel",
				Name:      "commit_duration_seconds",
				Help:      "Bucketed histogram of commit latency.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			}),

		bookmarkWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nornicbolt",
				Subsystem: "kernel",
				Name:      "bookmark_wait_seconds",
				Help:      "Bucketed histogram of time spent waiting for bookmarked transactions.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			}),

		lastClosedTxID: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nornicbolt",
				Subsystem: "kernel",
				Name:      "last_closed_transaction_id",
				Help:      "Id of the last committed transaction.",
			}),
	}
	m.registry.MustRegister(
		m.boltMessages, m.activeConnections, m.queuedJobs, m.autoReadToggles,
		m.clients, m.errors, m.transactions, m.commitLatency, m.bookmarkWait,
		m.lastClosedTxID,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageProcessed(message, outcome string) {
	if m == nil {
		return
	}
	m.boltMessages.WithLabelValues(message, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// JobsQueued adds delta (possibly negative) to the queued job gauge.
func (m *Metrics) JobsQueued(delta int) {
	if m == nil {
		return
	}
	m.queuedJobs.Add(float64(delta))
}

func (m *Metrics) AutoReadToggled(enabled bool) {
	if m == nil {
		return
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	m.autoReadToggles.WithLabelValues(state).Inc()
}

func (m *Metrics) ClientRegistered(userAgent string) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(userAgent).Inc()
}

func (m *Metrics) ErrorReported(classification string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(classification).Inc()
}

// TransactionClosed records a committed or rolled back transaction.
func (m *Metrics) TransactionClosed(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// Committed records a successful commit of txID that took d.
func (m *Metrics) Committed(txID int64, d time.Duration) {
	if m == nil {
		return
	}
	m.commitLatency.Observe(d.Seconds())
	m.lastClosedTxID.Set(float64(txID))
}

func (m *Metrics) BookmarkWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.bookmarkWait.Observe(d.Seconds())
}
