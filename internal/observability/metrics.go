package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "placed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "placed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	paintOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "placed",
			Subsystem: "canvas",
			Name:      "paint_total",
			Help:      "Paint requests by validation outcome.",
		},
		[]string{"node", "outcome"},
	)
	deltasBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "placed",
			Subsystem: "canvas",
			Name:      "deltas_broadcast_total",
			Help:      "Tile deltas fanned out to subscribers.",
		},
		[]string{"node"},
	)
	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "placed",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		},
		[]string{"node"},
	)
	snapshotRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "placed",
			Subsystem: "snapshot",
			Name:      "requests_total",
			Help:      "Snapshot side-channel requests.",
		},
		[]string{"node", "status"},
	)
	tilesCompacted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "placed",
			Subsystem: "canvas",
			Name:      "tiles_compacted_total",
			Help:      "Tiles snapshotted and compacted by the maintenance sweeper.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			paintOutcomes,
			deltasBroadcast,
			wsConnections,
			snapshotRequests,
			tilesCompacted,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPaintOutcome(node, outcome string) {
	RegisterMetrics()
	paintOutcomes.WithLabelValues(node, outcome).Inc()
}

func RecordDeltaBroadcast(node string, n int) {
	RegisterMetrics()
	deltasBroadcast.WithLabelValues(node).Add(float64(n))
}

func SetWSConnections(node string, n int) {
	RegisterMetrics()
	wsConnections.WithLabelValues(node).Set(float64(n))
}

func RecordSnapshotRequest(node string, status int) {
	RegisterMetrics()
	snapshotRequests.WithLabelValues(node, strconv.Itoa(status)).Inc()
}

func RecordTileCompacted(node string) {
	RegisterMetrics()
	tilesCompacted.WithLabelValues(node).Inc()
}
