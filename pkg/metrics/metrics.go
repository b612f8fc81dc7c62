// Package metrics exposes the Prometheus collectors the server publishes
// on /metrics, following the promauto pattern the rest of the corpus uses
// rather than hand-registering collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide collector set. Construct exactly one with
// New and share it across every document session.
type Metrics struct {
	DocumentsActive      prometheus.Gauge
	ConnectionsActive    prometheus.Gauge
	OperationsTotal      prometheus.Counter
	OperationsRejected   prometheus.Counter
	BroadcastLatency     prometheus.Histogram
	SnapshotsWritten     prometheus.Counter
	SnapshotWriteErrors  prometheus.Counter
	ConnectionsEvicted   prometheus.Counter
	AwarenessUpdatesTotal prometheus.Counter
	DocumentSizeBytes    prometheus.Histogram
}

// New registers and returns the collector set. Call once at startup.
func New() *Metrics {
	return &Metrics{
		DocumentsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "colabtext_documents_active",
			Help: "Number of document sessions currently open",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "colabtext_connections_active",
			Help: "Number of live transport connections",
		}),
		OperationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_operations_total",
			Help: "Total number of operations applied across all documents",
		}),
		OperationsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_operations_rejected_total",
			Help: "Total number of operations rejected by validation",
		}),
		BroadcastLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "colabtext_broadcast_latency_seconds",
			Help:    "Time from op application to full peer fan-out",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		SnapshotsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_snapshots_written_total",
			Help: "Total number of document snapshots persisted",
		}),
		SnapshotWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_snapshot_write_errors_total",
			Help: "Total number of failed snapshot persistence attempts",
		}),
		ConnectionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_connections_evicted_total",
			Help: "Total number of connections evicted for inactivity",
		}),
		AwarenessUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "colabtext_awareness_updates_total",
			Help: "Total number of cursor/selection updates processed",
		}),
		DocumentSizeBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "colabtext_document_size_bytes",
			Help:    "Distribution of encoded snapshot size at persist time",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
}
