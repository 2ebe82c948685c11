// Package metrics provides Prometheus metrics for xferd daemons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all xferd metrics.
var Registry = prometheus.NewRegistry()

// TransferMetrics holds all Prometheus metrics for an xferd daemon.
type TransferMetrics struct {
	// Chunk traffic (labels: protocol, direction, result)
	ChunksTotal *prometheus.CounterVec
	BytesTotal  *prometheus.CounterVec // labels: protocol, direction

	// Transfer outcomes
	TransfersTotal  *prometheus.CounterVec // labels: role, result
	ActiveTransfers *prometheus.GaugeVec   // labels: role

	// Protocol instances per run state
	ProtocolState *prometheus.GaugeVec // labels: protocol, state

	// Worker pools
	PoolInUse      *prometheus.GaugeVec   // labels: pool
	PoolRejections *prometheus.CounterVec // labels: pool

	// Per-chunk latency in seconds (labels: protocol, direction)
	ChunkLatency *prometheus.HistogramVec

	// Daemon info (constant labels exposed as a gauge)
	DaemonInfo *prometheus.GaugeVec // labels: instance, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given instance name as a constant label.
func InitMetrics(instance, version string) *TransferMetrics {
	constLabels := prometheus.Labels{
		"instance": instance,
	}

	m := &TransferMetrics{
		ChunksTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "xferd_chunks_total",
			Help:        "Chunks moved per protocol, direction and result",
			ConstLabels: constLabels,
		}, []string{"protocol", "direction", "result"}),
		BytesTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "xferd_bytes_total",
			Help:        "Payload bytes moved successfully per protocol and direction",
			ConstLabels: constLabels,
		}, []string{"protocol", "direction"}),

		TransfersTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "xferd_transfers_total",
			Help:        "Finished transfers per role and result",
			ConstLabels: constLabels,
		}, []string{"role", "result"}),
		ActiveTransfers: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "xferd_active_transfers",
			Help:        "Transfers in the transmission table per role",
			ConstLabels: constLabels,
		}, []string{"role"}),

		ProtocolState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "xferd_protocol_instances",
			Help:        "Live protocol instances per protocol and run state",
			ConstLabels: constLabels,
		}, []string{"protocol", "state"}),

		PoolInUse: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "xferd_pool_in_use",
			Help:        "Busy worker slots per pool",
			ConstLabels: constLabels,
		}, []string{"pool"}),
		PoolRejections: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "xferd_pool_rejections_total",
			Help:        "Work rejected because the pool was full",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		ChunkLatency: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "xferd_chunk_latency_seconds",
			Help:        "Time to move one chunk",
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
			ConstLabels: constLabels,
		}, []string{"protocol", "direction"}),

		DaemonInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "xferd_daemon_info",
			Help: "Daemon information (value is always 1)",
		}, []string{"instance", "version"}),
	}

	m.DaemonInfo.WithLabelValues(instance, version).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
