package stats

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vegetab1e/packet-forwarder/internal/counters"
)

// Worker is one lcore's identity and counter block, as the aggregator
// needs to know it: enough to label a report line and read its totals.
type Worker struct {
	LcoreID  uint
	Counters *counters.Block
	// Alive is flipped false by the orchestrator once this worker's loop
	// has returned. A nil Alive is treated as always alive, so such a
	// worker keeps Run polling until its context is cancelled.
	Alive *atomic.Bool
}

// Aggregator is the Stats Aggregator: it polls every worker's counters on
// a fixed interval, sums them into a running total, logs a report, and
// mirrors the totals into a Prometheus Collector if one is configured.
// It keeps running until every worker has gone quiet, so the final report
// reflects the last frame each lcore processed.
type Aggregator struct {
	Logger    *slog.Logger
	PollDelay time.Duration
	Workers   []Worker
	Collector *Collector // optional
}

// Run polls until every worker's Alive flag (if any) has gone false, then
// emits one final report and returns nil. ctx cancellation is honored as
// a hard stop (returns ctx.Err()) so a misbehaving worker cannot wedge
// shutdown forever.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.PollDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.report()
			return ctx.Err()
		case <-ticker.C:
			live := a.report()
			if live == 0 {
				return nil
			}
		}
	}
}

func (a *Aggregator) report() int {
	var total counters.Snapshot
	live := 0

	for _, w := range a.Workers {
		if w.Counters == nil {
			a.Logger.Warn("lcore has no counter block, skipping", slog.Uint64("lcore_id", uint64(w.LcoreID)))
			continue
		}
		snap := w.Counters.Load()
		total.Add(snap)
		if a.Collector != nil {
			a.Collector.Observe(strconv.FormatUint(uint64(w.LcoreID), 10), snap)
		}
		alive := w.Alive == nil || w.Alive.Load()
		if alive {
			live++
		}
		a.Logger.Debug("lcore liveness",
			slog.Uint64("lcore_id", uint64(w.LcoreID)),
			slog.Bool("running", alive))
	}

	a.Logger.Info("forwarding stats", slog.Uint64("rx_packets", total.Rx))
	a.Logger.Info("forwarding stats", slog.Uint64("tx_packets", total.Tx))
	a.Logger.Info("forwarding stats", slog.Uint64("dropped_packets", total.Dropped))
	a.Logger.Info("forwarding stats", slog.Uint64("processing_errors", total.ProcErr))
	a.Logger.Debug("forwarding stats debug", slog.Uint64("rx_ops", total.RxOps))
	a.Logger.Debug("forwarding stats debug", slog.Uint64("tx_ops", total.TxOps))
	a.Logger.Debug("forwarding stats debug", slog.Uint64("retx_ops", total.RetxOps))

	return live
}
