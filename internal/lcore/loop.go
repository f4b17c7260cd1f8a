package lcore

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/vegetab1e/packet-forwarder/internal/dump"
	"github.com/vegetab1e/packet-forwarder/internal/headers"
	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
	"github.com/vegetab1e/packet-forwarder/internal/send"
	"github.com/vegetab1e/packet-forwarder/internal/txbuf"
)

// Burst is the size of the stack-local receive array each poll iteration
// fills from the NIC: up to this many frames per rx_burst call.
const Burst = 32

// PrefetchOffset is how far ahead of the frame being forwarded the loop
// touches the next frame's data region.
const PrefetchOffset = 3

// Receiver is the NIC collaborator's raw receive-burst operation.
type Receiver interface {
	RxBurst(port, queue uint16, capacity int) []*mbuf.Frame
}

// Deps bundles everything a worker loop needs beyond its Config and the
// shared running flag: the NIC collaborator's I/O surface, the send
// engine's configuration, and the error-recovery callback the
// orchestrator built for this lcore (shared between the loop's degraded
// TrySend path and the TX buffer's own flush-failure path).
type Deps struct {
	Rx         Receiver
	Tx         send.Transmitter
	Prep       send.Preparer
	TxMAC      net.HardwareAddr
	SendConfig send.Config
	RxDelay    time.Duration
	Dumper     *dump.Dumper
	Logger     *slog.Logger
	Resend     txbuf.ErrorCallback
}

// Run executes the run-to-completion loop for one lcore until running
// observes false, then performs one final TX-buffer flush and returns.
// rng must be a worker-private generator seeded once at startup (per the
// RNG-placement note: fillEthernetHeader must not reseed per call).
func Run(cfg *Config, deps Deps, running *atomic.Bool, rng *rand.Rand) {
	if err := PinToCPU(int(cfg.LcoreID)); err != nil {
		deps.Logger.Warn("cpu pinning failed, continuing unpinned",
			slog.Uint64("lcore_id", uint64(cfg.LcoreID)), slog.Any("error", err))
	}

	for running.Load() {
		batch := deps.Rx.RxBurst(cfg.RxPort, cfg.Queue, Burst)
		n := len(batch)
		if n == 0 {
			deps.Logger.Debug("no packets available", slog.Uint64("lcore_id", uint64(cfg.LcoreID)))
			time.Sleep(deps.RxDelay)
			continue
		}
		cfg.Counters.AddRx(uint64(n))

		for i := range min(PrefetchOffset, n) {
			touch(batch[i])
		}

		mainEnd := n - PrefetchOffset
		if mainEnd < 0 {
			mainEnd = 0
		}
		for i := range mainEnd {
			touch(batch[i+PrefetchOffset])
			forward(cfg, deps, rng, batch[i])
		}
		for i := mainEnd; i < n; i++ {
			forward(cfg, deps, rng, batch[i])
		}
	}

	if cfg.TxBuf == nil {
		deps.Logger.Debug("no tx buffer to flush on shutdown", slog.Uint64("lcore_id", uint64(cfg.LcoreID)))
		return
	}
	flushed := cfg.TxBuf.Flush()
	cfg.Counters.AddTx(uint64(flushed))
}

// touch stands in for a software prefetch. Go exposes no portable prefetch
// intrinsic; this reads the frame's slice header and discards its first
// data byte, which compiles to little more than a bounds check, so it does
// not load the backing array ahead of the forward that follows.
func touch(f *mbuf.Frame) {
	data := f.Data()
	if len(data) > 0 {
		_ = data[0]
	}
}

// forward runs one frame through the header pipeline and either transmits
// it, drops it (non-IP payload), or counts it as a processing error.
func forward(cfg *Config, deps Deps, rng *rand.Rand, f *mbuf.Frame) {
	headers.CleanVLANTCI(f, deps.Logger)

	etherType, vlanOffset := headers.ParseEthernet(f)
	if etherType != headers.EtherTypeIPv4 && etherType != headers.EtherTypeIPv6 {
		if etherType == headers.EtherTypeARP {
			if ip := headers.ARPTargetIP(f, headers.EthernetHeaderLen+vlanOffset); ip != nil {
				deps.Logger.Debug("dropping arp request", slog.String("target_ip", ip.String()))
			}
		}
		cfg.Counters.AddDropped(1)
		f.Free()
		return
	}

	l2Len := headers.EthernetHeaderLen + vlanOffset
	if dst := headers.L3Destination(f, etherType, l2Len); dst != nil {
		deps.Logger.Debug("forwarding frame", slog.String("dst_ip", dst.String()))
	}

	if err := headers.StripL2(f, vlanOffset); err != nil {
		deps.Logger.Error("strip l2 failed, headers too big for frame", slog.Any("error", err))
		cfg.Counters.AddProcError(1)
		f.Free()
		return
	}

	if err := headers.PrependL2(f); err != nil {
		deps.Logger.Error("prepend l2 failed, insufficient headroom", slog.Any("error", err))
		cfg.Counters.AddProcError(1)
		f.Free()
		return
	}

	headers.FillEthernet(f, etherType, deps.TxMAC, rng)
	send.TrySend(cfg.TxBuf, deps.SendConfig, deps.Tx, deps.Resend, cfg, cfg.Counters, cfg.TxPort, cfg.Queue, f, deps.Logger)
}
