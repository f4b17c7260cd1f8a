package nic

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
)

type queueKey struct {
	port  uint16
	queue uint16
}

// Fake is a software loopback Collaborator: an in-memory stand-in for the
// NIC abstraction layer, used by tests and by the simulation binary to run
// the forwarding core end-to-end without real kernel-bypass hardware. It
// also implements mbuf.Pool, so frames it hands out via InjectRx are
// returned to it on Free.
type Fake struct {
	mu sync.Mutex

	portOrder []uint16
	ports     map[uint16]PortConfig
	macs      map[uint16]net.HardwareAddr
	lcores    map[uint]LcoreState

	rx map[queueKey][]*mbuf.Frame
	tx map[queueKey][]*mbuf.Frame

	txAcceptLimit map[queueKey]int
	prepareFail   map[queueKey]int

	freed []*mbuf.Frame
}

// NewFake returns an empty Fake collaborator. Call InjectRx and StartAll
// before launching any lcore loops against it.
func NewFake() *Fake {
	return &Fake{
		ports:         make(map[uint16]PortConfig),
		macs:          make(map[uint16]net.HardwareAddr),
		lcores:        make(map[uint]LcoreState),
		rx:            make(map[queueKey][]*mbuf.Frame),
		tx:            make(map[queueKey][]*mbuf.Frame),
		txAcceptLimit: make(map[queueKey]int),
		prepareFail:   make(map[queueKey]int),
	}
}

func (f *Fake) StartAll(_ context.Context, ports []PortConfig, reqQueueCount uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range ports {
		if p.RxQueueCount == 0 || p.RxQueueCount > reqQueueCount {
			p.RxQueueCount = reqQueueCount
		}
		p.TxQueueCount = p.RxQueueCount
		if _, started := f.ports[p.PortID]; !started {
			f.portOrder = append(f.portOrder, p.PortID)
		}
		f.ports[p.PortID] = p
		if _, ok := f.macs[p.PortID]; !ok {
			f.macs[p.PortID] = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(p.PortID)}
		}
	}
	return nil
}

func (f *Fake) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = make(map[uint16]PortConfig)
	f.portOrder = nil
}

func (f *Fake) PortIDs() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, len(f.portOrder))
	copy(out, f.portOrder)
	return out
}

func (f *Fake) IsValidPort(port uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ports[port]
	return ok
}

func (f *Fake) PortConfig(port uint16) (PortConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.ports[port]
	return cfg, ok
}

// InjectRx enqueues frame as if the NIC had just received it on (port,
// queue), for test setup. frame.Free will return it to this Fake.
func (f *Fake) InjectRx(port, queue uint16, frame *mbuf.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queueKey{port, queue}
	f.rx[k] = append(f.rx[k], frame)
}

func (f *Fake) RxBurst(port, queue uint16, capacity int) []*mbuf.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queueKey{port, queue}
	pending := f.rx[k]
	if len(pending) == 0 {
		return []*mbuf.Frame{}
	}
	n := min(capacity, len(pending))
	batch := pending[:n]
	f.rx[k] = pending[n:]
	return batch
}

// SetTxAcceptLimit caps how many frames a single TxBurst call on (port,
// queue) accepts, simulating NIC backpressure. A limit of 0 means
// unlimited (the default); a negative limit rejects every frame.
func (f *Fake) SetTxAcceptLimit(port, queue uint16, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txAcceptLimit[queueKey{port, queue}] = limit
}

func (f *Fake) TxBurst(port, queue uint16, frames []*mbuf.Frame) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queueKey{port, queue}
	limit := f.txAcceptLimit[k]
	n := len(frames)
	if limit < 0 {
		n = 0
	} else if limit > 0 && limit < n {
		n = limit
	}
	f.tx[k] = append(f.tx[k], frames[:n]...)
	return n
}

// SetTxPrepareFailures makes the next TxPrepare call on (port, queue) fail
// to prepare the last n frames of its batch (they count as processing
// errors upstream), then resets to zero failures.
func (f *Fake) SetTxPrepareFailures(port, queue uint16, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareFail[queueKey{port, queue}] = n
}

func (f *Fake) TxPrepare(port, queue uint16, frames []*mbuf.Frame) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queueKey{port, queue}
	fail := f.prepareFail[k]
	delete(f.prepareFail, k)
	if fail > len(frames) {
		fail = len(frames)
	}
	return len(frames) - fail
}

// Egress drains and returns every frame accepted so far on (port, queue).
func (f *Fake) Egress(port, queue uint16) []*mbuf.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queueKey{port, queue}
	out := f.tx[k]
	f.tx[k] = nil
	return out
}

func (f *Fake) SetMAC(port uint16, mac net.HardwareAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.macs[port] = mac
}

func (f *Fake) MACAddr(port uint16) (net.HardwareAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mac, ok := f.macs[port]
	if !ok {
		return nil, fmt.Errorf("nic: no MAC configured for port %d", port)
	}
	return mac, nil
}

func (f *Fake) SetLcoreState(id uint, s LcoreState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lcores[id] = s
}

func (f *Fake) LcoreState(id uint) LcoreState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lcores[id]
}

// Put implements mbuf.Pool: frames freed by the core are recorded for test
// assertions rather than actually released.
func (f *Fake) Put(frame *mbuf.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed = append(f.freed, frame)
}

// Freed returns every frame handed back to the pool via Free so far.
func (f *Fake) Freed() []*mbuf.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mbuf.Frame, len(f.freed))
	copy(out, f.freed)
	return out
}
