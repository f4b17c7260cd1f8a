//go:build linux

package lcore

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCPU locks the calling goroutine to its current OS thread for its
// remaining lifetime and restricts that thread's scheduling affinity to a
// single logical CPU, giving the run-to-completion loop the "one pinned
// OS thread per logical core" placement the forwarding model assumes.
// Callers invoke this once, first thing, inside the goroutine that will
// become the worker loop.
func PinToCPU(cpuID int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("lcore: set affinity to cpu %d: %w", cpuID, err)
	}
	return nil
}
