package metrics

import (
	"context"
	"time"

	"github.com/xferd/xferd/internal/protocol"
	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/pkg/proto"
)

// Chunk directions.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// TransferCounter reports the transfers currently in the transmission table.
type TransferCounter interface {
	Counts() (sending, receiving int)
}

// PoolStats reports worker pool usage.
type PoolStats interface {
	Name() string
	InUse() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Transfers TransferCounter
	Pools     []PoolStats
}

// Collector periodically samples daemon state into gauges and turns chunk
// outcomes and runner transitions into counters.
type Collector struct {
	metrics   *TransferMetrics
	transfers TransferCounter
	pools     []PoolStats
}

// NewCollector creates a new metrics collector.
func NewCollector(m *TransferMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:   m,
		transfers: cfg.Transfers,
		pools:     cfg.Pools,
	}
}

// Collect updates all sampled gauges from the current state.
func (c *Collector) Collect() {
	c.collectTransferStats()
	c.collectPoolStats()
}

func (c *Collector) collectTransferStats() {
	if c.transfers == nil {
		return
	}
	sending, receiving := c.transfers.Counts()
	c.metrics.ActiveTransfers.WithLabelValues("sender").Set(float64(sending))
	c.metrics.ActiveTransfers.WithLabelValues("receiver").Set(float64(receiving))
}

func (c *Collector) collectPoolStats() {
	for _, p := range c.pools {
		c.metrics.PoolInUse.WithLabelValues(p.Name()).Set(float64(p.InUse()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// TrackRejection counts work turned away by a full pool.
func (c *Collector) TrackRejection(pool string) {
	c.metrics.PoolRejections.WithLabelValues(pool).Inc()
}

// TrackTransfer counts a finished transfer.
func (c *Collector) TrackTransfer(role string, success bool) {
	c.metrics.TransfersTotal.WithLabelValues(role, result(success)).Inc()
}

// ChunkRecorder returns a stats recorder that counts chunks moved in the
// given direction.
func (c *Collector) ChunkRecorder(direction string) transmit.StatsRecorder {
	return &chunkRecorder{metrics: c.metrics, direction: direction}
}

type chunkRecorder struct {
	metrics   *TransferMetrics
	direction string
}

func (r *chunkRecorder) RecordChunk(_ *proto.Job, protocol string, success bool, start, end time.Time, size int) {
	r.metrics.ChunksTotal.WithLabelValues(protocol, r.direction, result(success)).Inc()
	r.metrics.ChunkLatency.WithLabelValues(protocol, r.direction).Observe(end.Sub(start).Seconds())
	if success {
		r.metrics.BytesTotal.WithLabelValues(protocol, r.direction).Add(float64(size))
	}
}

// StateObserver returns a runner observer that keeps the per-state
// instance gauge current. Terminal states are not counted.
func (c *Collector) StateObserver() protocol.Observer {
	return protocol.ObserverFunc(func(t protocol.Transition) {
		if t.From != protocol.StateDead && !t.From.IsTerminal() {
			c.metrics.ProtocolState.WithLabelValues(t.Instance, t.From.String()).Dec()
		}
		if !t.To.IsTerminal() {
			c.metrics.ProtocolState.WithLabelValues(t.Instance, t.To.String()).Inc()
		}
	})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
