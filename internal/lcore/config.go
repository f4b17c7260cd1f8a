// Package lcore implements the per-core run-to-completion forwarding loop:
// receive burst, header processing, transmit, with its counter block and
// CPU-pinning setup.
package lcore

import (
	"github.com/vegetab1e/packet-forwarder/internal/counters"
	"github.com/vegetab1e/packet-forwarder/internal/txbuf"
)

// Config is one worker's immutable launch configuration. It is never
// mutated after the orchestrator builds it and hands it to Run; the only
// mutable state reachable from it is the Counters cell (written by the
// owning loop, read by the stats aggregator) and TxBuf's own internal
// staging (private to the Buffer, not a Config field).
type Config struct {
	LcoreID uint
	RxPort  uint16
	TxPort  uint16
	Queue   uint16

	// TxBuf may be nil, degrading Try Send to the direct-transmit path.
	TxBuf *txbuf.Buffer

	Counters *counters.Block
}
