// Package stats implements the stats aggregator: a Prometheus collector
// exposing the per-lcore packet counters, and a periodic fan-in loop that
// sums them into a textual report.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vegetab1e/packet-forwarder/internal/counters"
)

const (
	namespace = "pktfwd"
	subsystem = "lcore"

	labelLcoreID = "lcore_id"
)

// Collector exposes per-lcore packet counters as Prometheus metrics: one
// CounterVec per field, labelled by lcore id.
type Collector struct {
	RxPackets        *prometheus.CounterVec
	TxPackets        *prometheus.CounterVec
	DroppedPackets   *prometheus.CounterVec
	ProcessingErrors *prometheus.CounterVec
	RxOps            *prometheus.CounterVec
	TxOps            *prometheus.CounterVec
	RetxOps          *prometheus.CounterVec

	mu   sync.Mutex
	last map[string]counters.Snapshot
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := newMetrics()
	reg.MustRegister(
		c.RxPackets, c.TxPackets, c.DroppedPackets, c.ProcessingErrors,
		c.RxOps, c.TxOps, c.RetxOps,
	)
	return c
}

func newMetrics() *Collector {
	labels := []string{labelLcoreID}
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}
	return &Collector{
		RxPackets:        prometheus.NewCounterVec(counterOpts("rx_packets_total", "Frames received by this lcore."), labels),
		TxPackets:        prometheus.NewCounterVec(counterOpts("tx_packets_total", "Frames transmitted by this lcore, including resends."), labels),
		DroppedPackets:   prometheus.NewCounterVec(counterOpts("dropped_packets_total", "Frames dropped as non-IP traffic."), labels),
		ProcessingErrors: prometheus.NewCounterVec(counterOpts("processing_errors_total", "Frames lost to a header-processing or TX-preparation failure."), labels),
		RxOps:            prometheus.NewCounterVec(counterOpts("rx_ops_total", "Receive-burst calls that returned at least one frame."), labels),
		TxOps:            prometheus.NewCounterVec(counterOpts("tx_ops_total", "Direct transmit operations, excluding resends."), labels),
		RetxOps:          prometheus.NewCounterVec(counterOpts("retx_ops_total", "Resend-path transmit operations."), labels),
		last:             make(map[string]counters.Snapshot),
	}
}

// Observe advances each metric's counter for lcoreID by the delta between
// snap and the last snapshot observed for that lcore. The counter blocks
// themselves are monotonically non-decreasing for the lifetime of a
// worker, so tracking the last absolute value here is enough to turn them
// into valid Prometheus counter increments.
func (c *Collector) Observe(lcoreID string, snap counters.Snapshot) {
	c.mu.Lock()
	prev := c.last[lcoreID]
	c.last[lcoreID] = snap
	c.mu.Unlock()

	addDelta(c.RxPackets.WithLabelValues(lcoreID), prev.Rx, snap.Rx)
	addDelta(c.TxPackets.WithLabelValues(lcoreID), prev.Tx, snap.Tx)
	addDelta(c.DroppedPackets.WithLabelValues(lcoreID), prev.Dropped, snap.Dropped)
	addDelta(c.ProcessingErrors.WithLabelValues(lcoreID), prev.ProcErr, snap.ProcErr)
	addDelta(c.RxOps.WithLabelValues(lcoreID), prev.RxOps, snap.RxOps)
	addDelta(c.TxOps.WithLabelValues(lcoreID), prev.TxOps, snap.TxOps)
	addDelta(c.RetxOps.WithLabelValues(lcoreID), prev.RetxOps, snap.RetxOps)
}

func addDelta(counter prometheus.Counter, prev, total uint64) {
	if total > prev {
		counter.Add(float64(total - prev))
	}
}
