package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync server.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	ResidentRooms     prometheus.Gauge
	OperationsTotal   *prometheus.CounterVec
	RejectedOpsTotal  prometheus.Counter
	BatchesTotal      prometheus.Counter
	BatchSize         prometheus.Histogram
	CacheErrorsTotal  prometheus.Counter
	FanoutPublished   *prometheus.CounterVec
	FanoutReceived    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inksync_connections_total",
			Help: "Total WebSocket connections handled",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inksync_active_connections",
			Help: "Current active WebSocket connections",
		}),
		ResidentRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inksync_resident_rooms",
			Help: "Rooms currently materialized in memory",
		}),
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inksync_operations_total",
			Help: "Drawing operations committed",
		}, []string{"type"}),
		RejectedOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inksync_rejected_operations_total",
			Help: "Operations rejected by validation",
		}),
		BatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inksync_batches_total",
			Help: "Coalesced batches committed",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inksync_batch_size",
			Help:    "Operations per coalesced batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		CacheErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inksync_cache_errors_total",
			Help: "Shared cache operation failures",
		}),
		FanoutPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inksync_fanout_published_total",
			Help: "Messages published to the shared bus",
		}, []string{"kind"}),
		FanoutReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inksync_fanout_received_total",
			Help: "Messages observed on the shared bus",
		}, []string{"result"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inksync_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
