// Package nic states the contracts the forwarding core requires from the
// NIC abstraction layer: port lifecycle, packet I/O, and MAC retrieval.
// Bringing up real ports, configuring queues, and creating the packet pool
// are explicitly out of scope for this core -- they belong to whatever
// collaborator implements Collaborator. The package also ships Fake, a
// software loopback implementation used by tests and the simulation binary
// so the engine is runnable without real kernel-bypass hardware.
package nic

import (
	"context"
	"net"

	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
)

// PortConfig is the immutable per-port configuration the collaborator
// publishes after bringing a port up: port id, NUMA affinity, and queue
// geometry. Receive and transmit queue counts are normalised equal.
type PortConfig struct {
	PortID       uint16
	NUMASocket   int
	RxQueueCount uint16
	TxQueueCount uint16
	RxQueueDepth uint16
	TxQueueDepth uint16
}

// LcoreState reports whether a worker loop launched on a logical core is
// still executing, as observed by the collaborator's scheduler.
type LcoreState int

const (
	LcoreStateRunning LcoreState = iota
	LcoreStateFinished
)

// Collaborator is the external NIC/memory abstraction the core depends on.
// Port bring-up, queue configuration, promiscuous mode, and pool creation
// all happen inside StartAll; the core never reaches into those details.
type Collaborator interface {
	// StartAll initialises every port in ports and brings it up in
	// promiscuous mode, normalising each port's queue count against
	// reqQueueCount (clamped to the port's own capability).
	StartAll(ctx context.Context, ports []PortConfig, reqQueueCount uint16) error

	// StopAll stops and closes every port and frees the packet pool.
	StopAll()

	// PortIDs returns every port probed and started, in probe order.
	PortIDs() []uint16

	// IsValidPort reports whether port identifies a probed, started port.
	IsValidPort(port uint16) bool

	// PortConfig returns the running configuration for a started port.
	PortConfig(port uint16) (PortConfig, bool)

	// RxBurst dequeues up to capacity frames from (port, queue). Returns
	// an empty (not nil) slice if none are available.
	RxBurst(port, queue uint16, capacity int) []*mbuf.Frame

	// TxBurst attempts to transmit every frame in frames on (port, queue)
	// and returns how many were accepted, starting from the front of the
	// slice. Accepted frames transfer ownership to the collaborator;
	// rejected frames remain the caller's responsibility.
	TxBurst(port, queue uint16, frames []*mbuf.Frame) int

	// TxPrepare runs NIC-level transmit preparation (checksum/segmentation
	// offload setup) over frames and returns how many, from the front of
	// the slice, are ready to send.
	TxPrepare(port, queue uint16, frames []*mbuf.Frame) int

	// MACAddr returns the burned-in or configured MAC address of port.
	MACAddr(port uint16) (net.HardwareAddr, error)

	// LcoreState reports whether the worker loop launched on lcoreID is
	// still running, for the stats aggregator's liveness tracking.
	LcoreState(lcoreID uint) LcoreState
}
