package mbuf_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type countingPool struct{ puts int }

func (p *countingPool) Put(*mbuf.Frame) { p.puts++ }

func TestAdjPrependRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	f := mbuf.NewWithHeadroom(4, payload, nil)

	if got := f.Headroom(); got != 4 {
		t.Fatalf("headroom = %d, want 4", got)
	}

	// Adj strips from the front of the frame, handing the stripped bytes
	// back to the headroom region.
	if err := f.Adj(2); err != nil {
		t.Fatalf("Adj(2): %v", err)
	}
	if got := f.Headroom(); got != 6 {
		t.Fatalf("headroom after Adj(2) = %d, want 6", got)
	}
	if got := f.Len(); got != 4 {
		t.Fatalf("length after Adj(2) = %d, want 4", got)
	}

	if err := f.Prepend(2); err != nil {
		t.Fatalf("Prepend(2): %v", err)
	}
	if got := f.Headroom(); got != 4 {
		t.Fatalf("headroom after round trip = %d, want 4", got)
	}
	if got := f.Data(); string(got) != string(payload) {
		t.Fatalf("payload corrupted by strip/prepend round trip: %v", got)
	}
}

func TestPrependFailsWithoutHeadroom(t *testing.T) {
	t.Parallel()

	f := mbuf.NewWithHeadroom(8, []byte{0x01}, nil)
	if err := f.Prepend(14); err == nil {
		t.Fatal("Prepend(14) with 8 bytes headroom should fail")
	}
}

func TestAdjFailsBeyondLength(t *testing.T) {
	t.Parallel()

	f := mbuf.NewWithHeadroom(0, []byte{0x01, 0x02}, nil)
	if err := f.Adj(3); err == nil {
		t.Fatal("Adj(3) on a 2-byte frame should fail")
	}
}

func TestFreeReturnsToPool(t *testing.T) {
	t.Parallel()

	p := &countingPool{}
	f := mbuf.NewWithHeadroom(0, []byte{0x01}, p)
	f.Free()
	if p.puts != 1 {
		t.Fatalf("pool.Put called %d times, want 1", p.puts)
	}
}
