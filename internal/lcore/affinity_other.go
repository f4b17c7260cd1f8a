//go:build !linux

package lcore

import "runtime"

// PinToCPU locks the calling goroutine to its current OS thread.
// Scheduling affinity to a specific logical CPU is Linux-specific
// (SchedSetaffinity); on other platforms this degrades to thread pinning
// without CPU affinity, which still gives each worker a dedicated OS
// thread even though the OS is free to migrate it across cores.
func PinToCPU(int) error {
	runtime.LockOSThread()
	return nil
}
