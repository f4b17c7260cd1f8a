// Package txbuf implements the per-lcore TX burst buffer: bounded staging
// of outbound frames with synchronous flush-failure recovery via a
// user-supplied error callback.
package txbuf

import "github.com/vegetab1e/packet-forwarder/internal/mbuf"

// Transmitter is the subset of the NIC collaborator a Buffer needs to push
// a staged batch onto the egress ring. nic.Collaborator satisfies this
// structurally.
type Transmitter interface {
	TxBurst(port, queue uint16, frames []*mbuf.Frame) int
}

// ErrorCallback receives frames the NIC rejected on flush, along with the
// opaque userData the Buffer was created with (in this codebase, always
// the owning lcore's *lcore.Config). It runs synchronously on the flushing
// goroutine and may resubmit, dump, or free the frames -- whatever it
// does not dispose of is leaked, so a well-behaved callback disposes of
// every frame it is given.
type ErrorCallback func(unsent []*mbuf.Frame, userData any)

// Buffer is a fixed-capacity staging area for outbound frames, owned by
// exactly one lcore and never shared.
type Buffer struct {
	txPort, txQueue uint16
	numaSocket      int
	capacity        int
	staged          []*mbuf.Frame

	tx       Transmitter
	onError  ErrorCallback
	userData any
}

// New creates a Buffer of the given capacity targeting (txPort, txQueue).
// numaSocket is a best-effort locality hint threaded through from the
// egress port's configuration -- Go's allocator is not NUMA-aware, so the
// hint is carried for collaborators that are, not acted on here. A nil
// onError installs the default drop-and-free behaviour.
func New(capacity int, txPort, txQueue uint16, numaSocket int, tx Transmitter, onError ErrorCallback, userData any) *Buffer {
	if onError == nil {
		onError = dropAndFree
	}
	return &Buffer{
		txPort:     txPort,
		txQueue:    txQueue,
		numaSocket: numaSocket,
		capacity:   capacity,
		staged:     make([]*mbuf.Frame, 0, capacity),
		tx:         tx,
		onError:    onError,
		userData:   userData,
	}
}

func dropAndFree(unsent []*mbuf.Frame, _ any) {
	for _, f := range unsent {
		f.Free()
	}
}

// NUMASocket returns the locality hint the Buffer was created with.
func (b *Buffer) NUMASocket() int { return b.numaSocket }

// Submit appends frame to the staging area, flushing synchronously if that
// fills it. Returns the count the NIC accepted this call (0 unless a
// flush was triggered).
func (b *Buffer) Submit(frame *mbuf.Frame) int {
	b.staged = append(b.staged, frame)
	if len(b.staged) >= b.capacity {
		return b.Flush()
	}
	return 0
}

// Flush pushes the staged batch (however partial) to the egress ring.
// Frames the NIC accepted are released to it; frames it rejected go to
// the error callback. Returns the count accepted.
func (b *Buffer) Flush() int {
	if len(b.staged) == 0 {
		return 0
	}
	batch := b.staged
	b.staged = make([]*mbuf.Frame, 0, b.capacity)

	accepted := b.tx.TxBurst(b.txPort, b.txQueue, batch)
	if accepted < 0 {
		accepted = 0
	}
	if accepted < len(batch) {
		b.onError(batch[accepted:], b.userData)
	}
	return accepted
}

// Destroy discards the Buffer. Frames still staged are lost -- callers
// must Flush first if they need them delivered.
func (b *Buffer) Destroy() {
	b.staged = nil
}

// Staged returns the number of frames currently buffered, unflushed.
func (b *Buffer) Staged() int { return len(b.staged) }
