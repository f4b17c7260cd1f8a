package lcore_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vegetab1e/packet-forwarder/internal/counters"
	"github.com/vegetab1e/packet-forwarder/internal/dump"
	"github.com/vegetab1e/packet-forwarder/internal/headers"
	"github.com/vegetab1e/packet-forwarder/internal/lcore"
	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
	"github.com/vegetab1e/packet-forwarder/internal/nic"
	"github.com/vegetab1e/packet-forwarder/internal/send"
	"github.com/vegetab1e/packet-forwarder/internal/txbuf"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ipv4Payload(payloadLen int) []byte {
	payload := make([]byte, headers.EthernetHeaderLen+payloadLen)
	copy(payload[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(payload[6:12], net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	binary.BigEndian.PutUint16(payload[12:14], uint16(headers.EtherTypeIPv4))
	return payload
}

func vlanIPv4Payload(payloadLen int) []byte {
	payload := make([]byte, headers.EthernetHeaderLen+headers.VLANHeaderLen+payloadLen)
	copy(payload[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(payload[6:12], net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	binary.BigEndian.PutUint16(payload[12:14], uint16(headers.EtherTypeVLAN))
	binary.BigEndian.PutUint16(payload[14:16], 10)
	binary.BigEndian.PutUint16(payload[16:18], uint16(headers.EtherTypeIPv4))
	return payload
}

func arpPayload() []byte {
	payload := make([]byte, headers.EthernetHeaderLen+28)
	binary.BigEndian.PutUint16(payload[12:14], uint16(headers.EtherTypeARP))
	copy(payload[headers.EthernetHeaderLen+24:], net.IP{10, 0, 0, 9}.To4())
	return payload
}

func newDeps(fake *nic.Fake, cfg *lcore.Config, port, queue uint16) lcore.Deps {
	logger := discardLogger()
	sendCfg := send.DefaultConfig()
	dumper := &dump.Dumper{}
	resend := send.NewResend(logger, sendCfg, fake, fake, dumper, port, queue, cfg.Counters, cfg)
	mac, _ := fake.MACAddr(port)
	return lcore.Deps{
		Rx:         fake,
		Tx:         fake,
		Prep:       fake,
		TxMAC:      mac,
		SendConfig: sendCfg,
		RxDelay:    time.Millisecond,
		Dumper:     dumper,
		Logger:     logger,
		Resend:     resend,
	}
}

func TestForwardPlainIPv4(t *testing.T) {
	t.Parallel()

	fake := nic.NewFake()
	_ = fake.StartAll(context.Background(), []nic.PortConfig{{PortID: 0}}, 1)

	cnt := counters.New()
	cfg := &lcore.Config{LcoreID: 0, RxPort: 0, TxPort: 0, Queue: 0, Counters: cnt}
	cfg.TxBuf = txbufNew(fake, cfg)

	fake.InjectRx(0, 0, mbuf.NewWithHeadroom(0, ipv4Payload(46), fake))

	deps := newDeps(fake, cfg, 0, 0)
	runFullCycle(t, cfg, deps)

	if got := cnt.Load(); got.Rx != 1 || got.Tx != 1 || got.Dropped != 0 || got.ProcErr != 0 {
		t.Fatalf("counters = %+v, want rx=1 tx=1 drp=0 err=0", got)
	}
}

func TestForwardARPDropped(t *testing.T) {
	t.Parallel()

	fake := nic.NewFake()
	_ = fake.StartAll(context.Background(), []nic.PortConfig{{PortID: 0}}, 1)

	cnt := counters.New()
	cfg := &lcore.Config{LcoreID: 0, RxPort: 0, TxPort: 0, Queue: 0, Counters: cnt}
	cfg.TxBuf = txbufNew(fake, cfg)

	fake.InjectRx(0, 0, mbuf.NewWithHeadroom(0, arpPayload(), fake))

	deps := newDeps(fake, cfg, 0, 0)
	runFullCycle(t, cfg, deps)

	got := cnt.Load()
	if got.Rx != 1 || got.Tx != 0 || got.Dropped != 1 || got.ProcErr != 0 {
		t.Fatalf("counters = %+v, want rx=1 tx=0 drp=1 err=0", got)
	}
}

func TestForwardTightHeadroomVLAN(t *testing.T) {
	t.Parallel()

	fake := nic.NewFake()
	_ = fake.StartAll(context.Background(), []nic.PortConfig{{PortID: 0}}, 1)

	cnt := counters.New()
	cfg := &lcore.Config{LcoreID: 0, RxPort: 0, TxPort: 0, Queue: 0, Counters: cnt}
	cfg.TxBuf = txbufNew(fake, cfg)

	// Headroom of exactly one Ethernet header plus 8 bytes, single VLAN
	// tag: the forward path strips 18 bytes and prepends 14, which must
	// succeed because the strip hands its bytes back to the headroom.
	fake.InjectRx(0, 0, mbuf.NewWithHeadroom(headers.EthernetHeaderLen+8, vlanIPv4Payload(46), fake))

	deps := newDeps(fake, cfg, 0, 0)
	runFullCycle(t, cfg, deps)

	got := cnt.Load()
	if got.Rx != 1 || got.Tx != 1 || got.ProcErr != 0 {
		t.Fatalf("counters = %+v, want rx=1 tx=1 err=0", got)
	}

	egress := fake.Egress(0, 0)
	if len(egress) != 1 {
		t.Fatalf("egress = %d frames, want 1", len(egress))
	}
	data := egress[0].Data()
	if et := binary.BigEndian.Uint16(data[12:14]); et != uint16(headers.EtherTypeIPv4) {
		t.Fatalf("egress ethertype = 0x%04x, want IPv4 with the VLAN tag removed", et)
	}
}

func TestForwardNICRejectionCountsProcError(t *testing.T) {
	t.Parallel()

	fake := nic.NewFake()
	_ = fake.StartAll(context.Background(), []nic.PortConfig{{PortID: 0}}, 1)
	fake.SetTxAcceptLimit(0, 0, -1) // NIC rejects every transmit

	cnt := counters.New()
	cfg := &lcore.Config{LcoreID: 0, RxPort: 0, TxPort: 0, Queue: 0, Counters: cnt}
	cfg.TxBuf = txbufNew(fake, cfg)

	fake.InjectRx(0, 0, mbuf.NewWithHeadroom(0, ipv4Payload(46), fake))

	deps := newDeps(fake, cfg, 0, 0)
	runFullCycle(t, cfg, deps)

	// The shutdown flush hits the rejecting NIC, resend exhausts its
	// retries, and the frame is dumped and freed as a processing error.
	got := cnt.Load()
	if got.Rx != 1 || got.Tx != 0 || got.ProcErr != 1 {
		t.Fatalf("counters = %+v, want rx=1 tx=0 err=1", got)
	}
	if len(fake.Freed()) != 1 {
		t.Fatalf("freed = %d frames, want 1", len(fake.Freed()))
	}
}

func TestForwardBackpressureResendsRejectedTail(t *testing.T) {
	t.Parallel()

	fake := nic.NewFake()
	_ = fake.StartAll(context.Background(), []nic.PortConfig{{PortID: 0}}, 1)
	fake.SetTxAcceptLimit(0, 0, 16) // NIC accepts at most 16 frames per burst

	cnt := counters.New()
	cfg := &lcore.Config{LcoreID: 0, RxPort: 0, TxPort: 0, Queue: 0, Counters: cnt}
	cfg.TxBuf = txbufNew(fake, cfg)

	for range lcore.Burst {
		fake.InjectRx(0, 0, mbuf.NewWithHeadroom(0, ipv4Payload(46), fake))
	}

	deps := newDeps(fake, cfg, 0, 0)
	runFullCycle(t, cfg, deps)

	got := cnt.Load()
	if got.Rx != lcore.Burst || got.Tx != lcore.Burst || got.ProcErr != 0 {
		t.Fatalf("counters = %+v, want rx=tx=%d err=0", got, lcore.Burst)
	}
	if got.RetxOps == 0 {
		t.Fatal("expected at least one resend operation under backpressure")
	}
	if egress := fake.Egress(0, 0); len(egress) != lcore.Burst {
		t.Fatalf("egress = %d frames, want %d", len(egress), lcore.Burst)
	}
}

func txbufNew(fake *nic.Fake, cfg *lcore.Config) *txbuf.Buffer {
	logger := discardLogger()
	dumper := &dump.Dumper{}
	resend := send.NewResend(logger, send.DefaultConfig(), fake, fake, dumper, cfg.TxPort, cfg.Queue, cfg.Counters, cfg)
	return txbuf.New(lcore.Burst, cfg.TxPort, cfg.Queue, 0, fake, resend, cfg)
}

// runFullCycle runs the loop until it has drained the injected frames, then
// flips the running flag so the shutdown flush pushes cfg.TxBuf's staged
// frames into the fake's egress queue.
func runFullCycle(t *testing.T, cfg *lcore.Config, deps lcore.Deps) {
	t.Helper()

	var running atomic.Bool
	running.Store(true)
	rng := rand.New(rand.NewPCG(1, 2))

	done := make(chan struct{})
	go func() {
		lcore.Run(cfg, deps, &running, rng)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	running.Store(false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lcore.Run did not return after running flipped false")
	}
}
