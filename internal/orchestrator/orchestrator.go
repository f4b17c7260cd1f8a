// Package orchestrator assigns (rx-port, tx-port, queue) triples to lcores,
// launches and tears down the forwarding loops, and runs the stats
// aggregator on the main lcore until every worker has returned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vegetab1e/packet-forwarder/internal/counters"
	"github.com/vegetab1e/packet-forwarder/internal/dump"
	"github.com/vegetab1e/packet-forwarder/internal/lcore"
	"github.com/vegetab1e/packet-forwarder/internal/nic"
	"github.com/vegetab1e/packet-forwarder/internal/send"
	"github.com/vegetab1e/packet-forwarder/internal/stats"
	"github.com/vegetab1e/packet-forwarder/internal/txbuf"
)

// MinRequestedQueues and MaxRequestedQueues bound the -q flag's value.
const (
	MinRequestedQueues = 1
	MaxRequestedQueues = 16

	// DefaultRequestedQueues is the queue count used when -q is absent.
	DefaultRequestedQueues = 3
)

// ErrNoDevices is returned when the collaborator started zero ports, or
// when -p restricted forwarding to a port that was never probed.
var ErrNoDevices = errors.New("orchestrator: no devices available")

// ErrNotEnoughLcores is returned when no worker loop could be launched at
// all -- the stats loop is skipped in that case and shutdown proceeds
// immediately.
var ErrNotEnoughLcores = errors.New("orchestrator: not enough lcores")

// ClampRequestedQueues enforces the -q flag's bounds, matching the NIC
// abstraction's own clamp against hardware capability (applied later,
// inside StartAll).
func ClampRequestedQueues(n int) uint16 {
	switch {
	case n < MinRequestedQueues:
		return MinRequestedQueues
	case n > MaxRequestedQueues:
		return MaxRequestedQueues
	default:
		return uint16(n)
	}
}

// Options configures one orchestrator run.
type Options struct {
	// RequestedQueues is the per-port receive-queue count requested via
	// -q, already clamped by ClampRequestedQueues.
	RequestedQueues uint16

	// RestrictPort, if non-nil, limits forwarding to this receive port
	// id (the -p flag). Nil means every probed port.
	RestrictPort *uint16

	SendConfig send.Config
	RxDelay    time.Duration
	PollDelay  time.Duration

	Dumper    *dump.Dumper
	Logger    *slog.Logger
	Collector *stats.Collector // optional Prometheus mirror
}

// worker bundles one launched lcore's config together with the liveness
// flag the stats aggregator watches.
type worker struct {
	cfg   *lcore.Config
	alive atomic.Bool
}

// Run brings up every lcore the collaborator's ports require, runs the
// stats aggregator on the calling goroutine until all workers have
// returned, and tears down cleanly. ctx cancellation (wired by the caller
// to SIGINT/SIGTERM) flips the shared running flag; Run itself returns
// once every worker has exited and a final report has been emitted.
func Run(ctx context.Context, collab nic.Collaborator, ports []nic.PortConfig, opts Options) error {
	if err := collab.StartAll(ctx, ports, opts.RequestedQueues); err != nil {
		return fmt.Errorf("orchestrator: start ports: %w", err)
	}
	defer collab.StopAll()

	portIDs := collab.PortIDs()
	if opts.RestrictPort != nil {
		portIDs = filterPort(portIDs, *opts.RestrictPort)
	}
	if len(portIDs) == 0 {
		return ErrNoDevices
	}

	var running atomic.Bool
	running.Store(true)

	workers := make([]*worker, 0)
	g, gCtx := errgroup.WithContext(ctx)
	var nextLcoreID uint = 1 // lcore 0 is reserved for the main/stats lcore

	for _, rxPort := range portIDs {
		portCfg, ok := collab.PortConfig(rxPort)
		if !ok {
			continue
		}
		txPort := pairedPort(rxPort, collab.IsValidPort)
		txMAC, err := collab.MACAddr(txPort)
		if err != nil {
			opts.Logger.Error("mac lookup failed for egress port, skipping port",
				slog.Uint64("port", uint64(txPort)), slog.Any("error", err))
			continue
		}
		txSocket := 0
		if txPortCfg, ok := collab.PortConfig(txPort); ok {
			txSocket = txPortCfg.NUMASocket
		}

		for queue := uint16(0); queue < portCfg.RxQueueCount; queue++ {
			w := launchWorker(g, collab, opts, &running, nextLcoreID, rxPort, txPort, queue, txMAC, txSocket)
			workers = append(workers, w)
			nextLcoreID++
		}
	}

	if len(workers) == 0 {
		return ErrNotEnoughLcores
	}

	agg := &stats.Aggregator{
		Logger:    opts.Logger,
		PollDelay: opts.PollDelay,
		Collector: opts.Collector,
		Workers:   statsWorkers(workers),
	}

	// The signal-aware context only flips running; the stats loop keeps
	// polling on a background context until every worker has actually
	// returned, so the final report reflects the last frame each lcore
	// processed rather than stopping the instant a signal arrives.
	go func() {
		<-gCtx.Done()
		running.Store(false)
	}()

	statsErr := agg.Run(context.Background())
	waitErr := g.Wait()

	// Workers flush before returning, so nothing staged is lost here.
	for _, w := range workers {
		if w.cfg.TxBuf != nil {
			w.cfg.TxBuf.Destroy()
		}
	}

	if waitErr != nil {
		return fmt.Errorf("orchestrator: worker loop: %w", waitErr)
	}
	return statsErr
}

func launchWorker(
	g *errgroup.Group,
	collab nic.Collaborator,
	opts Options,
	running *atomic.Bool,
	lcoreID uint,
	rxPort, txPort, queue uint16,
	txMAC net.HardwareAddr,
	txSocket int,
) *worker {
	cnt := counters.New()
	cfg := &lcore.Config{
		LcoreID:  lcoreID,
		RxPort:   rxPort,
		TxPort:   txPort,
		Queue:    queue,
		Counters: cnt,
	}

	resend := send.NewResend(opts.Logger, opts.SendConfig, collab, collab, opts.Dumper, txPort, queue, cnt, cfg)
	cfg.TxBuf = txbuf.New(lcore.Burst, txPort, queue, txSocket, collab, resend, cfg)

	w := &worker{cfg: cfg}
	w.alive.Store(true)

	deps := lcore.Deps{
		Rx:         collab,
		Tx:         collab,
		Prep:       collab,
		TxMAC:      txMAC,
		SendConfig: opts.SendConfig,
		RxDelay:    opts.RxDelay,
		Dumper:     opts.Dumper,
		Logger:     opts.Logger,
		Resend:     resend,
	}

	rng := rand.New(rand.NewPCG(uint64(lcoreID), uint64(rxPort)<<16|uint64(txPort)))

	g.Go(func() error {
		defer w.alive.Store(false)
		lcore.Run(cfg, deps, running, rng)
		return nil
	})

	return w
}

func statsWorkers(workers []*worker) []stats.Worker {
	out := make([]stats.Worker, len(workers))
	for i, w := range workers {
		out[i] = stats.Worker{LcoreID: w.cfg.LcoreID, Counters: w.cfg.Counters, Alive: &w.alive}
	}
	return out
}

func filterPort(portIDs []uint16, keep uint16) []uint16 {
	for _, p := range portIDs {
		if p == keep {
			return []uint16{p}
		}
	}
	return nil
}
