// Package counters implements the per-lcore packet statistics block: a set
// of atomic fields written by the owning worker and read concurrently by
// the stats aggregator.
package counters

import "sync/atomic"

// Block holds one lcore's packet counters. A nil *Block means "no
// metering": every method on a nil receiver is a safe no-op, matching the
// "null counter pointer" contract in the data model.
type Block struct {
	rx      atomic.Uint64
	tx      atomic.Uint64
	drp     atomic.Uint64
	procErr atomic.Uint64
	rxOps   atomic.Uint64
	txOps   atomic.Uint64
	retxOps atomic.Uint64
}

// New allocates a zeroed counter block.
func New() *Block { return &Block{} }

// AddRx records n newly received frames and one RX operation.
func (b *Block) AddRx(n uint64) {
	if b == nil {
		return
	}
	b.rxOps.Add(1)
	b.rx.Add(n)
}

// AddTx records n transmitted frames and one TX operation.
func (b *Block) AddTx(n uint64) {
	if b == nil {
		return
	}
	b.txOps.Add(1)
	b.tx.Add(n)
}

// AddRetx records n transmitted frames via the resend path and one retx
// operation, distinct from AddTx so the stats aggregator can report the
// recovery path separately.
func (b *Block) AddRetx(n uint64) {
	if b == nil {
		return
	}
	b.retxOps.Add(1)
	b.tx.Add(n)
}

// AddDropped records n frames dropped as non-IP traffic.
func (b *Block) AddDropped(n uint64) {
	if b == nil {
		return
	}
	b.drp.Add(n)
}

// AddProcError records n frames lost to a processing error (headroom
// exhaustion, TX preparation failure).
func (b *Block) AddProcError(n uint64) {
	if b == nil {
		return
	}
	b.procErr.Add(n)
}

// Snapshot is a point-in-time, field-by-field atomic read of a Block,
// suitable for summing across workers in the stats aggregator.
type Snapshot struct {
	Rx      uint64
	Tx      uint64
	Dropped uint64
	ProcErr uint64
	RxOps   uint64
	TxOps   uint64
	RetxOps uint64
}

// Load takes a consistent-enough snapshot of the block. Each field is its
// own atomic cell, so the snapshot is not a single atomic transaction
// across fields; readers tolerate small cross-field skew.
func (b *Block) Load() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	return Snapshot{
		Rx:      b.rx.Load(),
		Tx:      b.tx.Load(),
		Dropped: b.drp.Load(),
		ProcErr: b.procErr.Load(),
		RxOps:   b.rxOps.Load(),
		TxOps:   b.txOps.Load(),
		RetxOps: b.retxOps.Load(),
	}
}

// Add accumulates other's fields into s, for summing per-worker snapshots
// into a running total.
func (s *Snapshot) Add(other Snapshot) {
	s.Rx += other.Rx
	s.Tx += other.Tx
	s.Dropped += other.Dropped
	s.ProcErr += other.ProcErr
	s.RxOps += other.RxOps
	s.TxOps += other.TxOps
	s.RetxOps += other.RetxOps
}
