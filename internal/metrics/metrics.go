// Package metrics holds the Prometheus collectors shared by the engine,
// the sync layer and the HTTP server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kura"

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of database operations",
		},
		[]string{"op", "status"}, // status: "ok" / "error"
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"kind"}, // "vector" / "keyword" / "hybrid"
	)

	IngestChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_chunks_total",
			Help:      "Total chunks written by the ingest pipeline",
		},
		[]string{"collection"},
	)

	IndexNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_nodes",
			Help:      "Live nodes in the in-memory vector index",
		},
		[]string{"collection"},
	)

	Leader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this execution context holds leadership",
		},
		[]string{"tab_id"},
	)

	BroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Sync messages sent and received",
		},
		[]string{"type", "direction"}, // direction: "out" / "in"
	)
)

var registerOnce sync.Once

// Register registers the engine collectors with the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OperationsTotal,
			SearchDuration,
			IngestChunksTotal,
			IndexNodes,
			Leader,
			BroadcastMessagesTotal,
		)
	})
}

// Status maps an error to the status label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
