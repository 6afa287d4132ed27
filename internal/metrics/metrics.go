// Package metrics exposes every node-level gauge/counter the "Other"
// budget line in spec.md §2 covers: blob/index memory, operation
// counts and latencies, and disk-controller readiness — scraped via
// Prometheus the way cuemby-warren instruments its own services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector this node registers.
type Metrics struct {
	reg *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BlobsCount        prometheus.Gauge
	IndexMemoryBytes  prometheus.Gauge
	FilterMemoryBytes prometheus.Gauge
	DiskReady         *prometheus.GaugeVec
	AlienQueueDepth   prometheus.Gauge
}

// New constructs and registers every collector against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bob",
			Name:      "operations_total",
			Help:      "Total number of replication-layer operations, by kind and outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bob",
			Name:      "operation_duration_seconds",
			Help:      "Replication-layer operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		BlobsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bob",
			Name:      "blobs_count",
			Help:      "Number of blob files currently open across every disk controller.",
		}),
		IndexMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bob",
			Name:      "index_memory_bytes",
			Help:      "Resident memory used by loaded index entries.",
		}),
		FilterMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bob",
			Name:      "filter_memory_bytes",
			Help:      "Resident memory used by loaded Bloom filters.",
		}),
		DiskReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bob",
			Name:      "disk_ready",
			Help:      "1 if the named disk controller is Running, 0 otherwise.",
		}, []string{"disk"}),
		AlienQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bob",
			Name:      "alien_queue_depth",
			Help:      "Number of records currently held in the local alien area.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.BlobsCount,
		m.IndexMemoryBytes,
		m.FilterMemoryBytes,
		m.DiskReady,
		m.AlienQueueDepth,
	)
	return m
}

// Handler returns the promhttp handler serving this registry's scrape
// endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveOperation records one completed operation's outcome and
// latency in a single call, the shape every coordinator/backend call
// site wraps its work in.
func (m *Metrics) ObserveOperation(operation, outcome string, seconds float64) {
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}
