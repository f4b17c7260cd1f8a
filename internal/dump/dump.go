// Package dump implements the packet dumper: best-effort logging of
// rejected frames to a timestamped append-only file before they are
// returned to the pool.
package dump

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
)

// filename returns the current local date formatted DDMMYY.dump. The
// source falls back to the literal name "dump" if strftime fails; Go's
// time formatting cannot fail the same way, but the fallback branch is
// kept for parity and because a future layout change should not panic.
func filename(t time.Time) string {
	name := t.Format("020106")
	if name == "" {
		return "dump"
	}
	return name + ".dump"
}

// Dumper appends textual frame summaries to a timestamped file. The zero
// value and a nil *Dumper are both valid: DumpAndFree degrades to a
// bulk free without dumping, exactly as when Open fails to get a handle.
type Dumper struct {
	mu   sync.Mutex
	file *os.File
}

// Open attempts to create or append to today's dump file in the current
// working directory. On failure it returns a Dumper with no file handle:
// callers never need to check an error, DumpAndFree just stops dumping.
func Open() *Dumper {
	f, err := os.OpenFile(filename(time.Now()), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &Dumper{}
	}
	return &Dumper{file: f}
}

// DumpAndFree writes a metadata summary (length, offload flags, VLAN TCI
// fields -- never payload bytes) for each frame if a dump file is open,
// then frees every frame back to its pool. If no file is open, the whole
// batch is freed in one pass without dumping.
func (d *Dumper) DumpAndFree(frames []*mbuf.Frame) {
	if d == nil || d.file == nil {
		for _, f := range frames {
			f.Free()
		}
		return
	}

	d.mu.Lock()
	for _, f := range frames {
		fmt.Fprintf(d.file, "len=%d flags=0x%02x vlan_tci=%d vlan_tci_outer=%d\n",
			f.Len(), f.Flags, f.VLANTCI, f.VLANTCIOuter)
	}
	d.mu.Unlock()

	for _, f := range frames {
		f.Free()
	}
}

// Close releases the underlying file handle, if any.
func (d *Dumper) Close() error {
	if d == nil || d.file == nil {
		return nil
	}
	return d.file.Close()
}
