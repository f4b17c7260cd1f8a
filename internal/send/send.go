// Package send implements the bounded-retry transmit engine: burst
// transmission with backoff, the TX-buffer error callback (prepare +
// resend recovery), and the fast/degraded try-send dispatch used by the
// lcore loop.
package send

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/vegetab1e/packet-forwarder/internal/counters"
	"github.com/vegetab1e/packet-forwarder/internal/dump"
	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
	"github.com/vegetab1e/packet-forwarder/internal/txbuf"
)

// Config parameterises retry behaviour, passed down from the orchestrator
// rather than baked in as a build variant.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration // 0 means relax instead of sleeping between attempts
}

// DefaultConfig is the fast path: 3 retries, CPU relax between attempts.
func DefaultConfig() Config { return Config{MaxRetries: 3} }

// SlowMotionConfig is the debugging variant: 10 retries, a 10ms sleep
// between attempts.
func SlowMotionConfig() Config { return Config{MaxRetries: 10, RetryDelay: 10 * time.Millisecond} }

func (c Config) relax() {
	if c.RetryDelay > 0 {
		time.Sleep(c.RetryDelay)
		return
	}
	runtime.Gosched()
}

// Transmitter is the NIC collaborator's raw burst-transmit operation.
type Transmitter interface {
	TxBurst(port, queue uint16, frames []*mbuf.Frame) int
}

// Preparer is the NIC collaborator's transmit-preparation operation.
type Preparer interface {
	TxPrepare(port, queue uint16, frames []*mbuf.Frame) int
}

// Burst attempts to transmit every frame in frames on (port, queue),
// retrying the unaccepted tail up to cfg.MaxRetries times with a relax or
// sleep between attempts. Returns the cumulative accepted count; any
// frames still unaccepted when retries are exhausted are the caller's
// responsibility.
func Burst(cfg Config, tx Transmitter, port, queue uint16, frames []*mbuf.Frame) int {
	sent := 0
	remaining := frames

	for attempt := 0; attempt < cfg.MaxRetries && len(remaining) > 0; attempt++ {
		accepted := tx.TxBurst(port, queue, remaining)
		sent += accepted
		remaining = remaining[accepted:]
		if len(remaining) == 0 {
			break
		}
		if attempt < cfg.MaxRetries-1 {
			cfg.relax()
		}
	}

	return sent
}

// NewResend builds the TX buffer's flush-failure callback for one lcore:
// on invocation it prepares the unsent batch, retries the prepared tail
// via Burst, dumps-and-frees anything still rejected, and on any success
// adds the sent frames to the transmit packet count and records one resend
// operation (not a transmit operation). owner is
// compared by identity against the userData the callback is invoked with:
// a goroutine has no scheduler-level lcore identity of its own to assert,
// so the owning config's identity is the check instead.
func NewResend(
	logger *slog.Logger,
	cfg Config,
	prep Preparer,
	tx Transmitter,
	dumper *dump.Dumper,
	port, queue uint16,
	cnt *counters.Block,
	owner any,
) txbuf.ErrorCallback {
	return func(frames []*mbuf.Frame, userData any) {
		if owner == nil || userData != owner {
			logger.Error("resend: owning lcore identity missing or mismatched, refusing")
			return
		}
		if len(frames) == 0 {
			return
		}

		prepared := prep.TxPrepare(port, queue, frames)
		if prepared < 0 {
			prepared = 0
		}
		if prepared < len(frames) {
			failed := frames[prepared:]
			cnt.AddProcError(uint64(len(failed)))
			dumper.DumpAndFree(failed)
			frames = frames[:prepared]
		}
		if len(frames) == 0 {
			return
		}

		sent := Burst(cfg, tx, port, queue, frames)
		if sent < len(frames) {
			failed := frames[sent:]
			cnt.AddProcError(uint64(len(failed)))
			dumper.DumpAndFree(failed)
		}
		if sent > 0 {
			cnt.AddRetx(uint64(sent))
		}
	}
}

// TrySend is the fast/degraded dispatch for one outbound frame. If buf is
// non-nil, frame is staged there (which may trigger a synchronous flush
// and invoke resend internally). If buf is nil, it falls back to a direct
// one-frame Burst and, on total failure, invokes resend synchronously.
func TrySend(
	buf *txbuf.Buffer,
	cfg Config,
	tx Transmitter,
	resend txbuf.ErrorCallback,
	owner any,
	cnt *counters.Block,
	port, queue uint16,
	frame *mbuf.Frame,
	logger *slog.Logger,
) {
	if buf != nil {
		accepted := buf.Submit(frame)
		cnt.AddTx(uint64(accepted))
		return
	}

	logger.Debug("tx buffer absent, using degraded direct-send path")
	sent := Burst(cfg, tx, port, queue, []*mbuf.Frame{frame})
	if sent == 0 {
		resend([]*mbuf.Frame{frame}, owner)
		return
	}
	cnt.AddTx(uint64(sent))
}
