package compute

import (
	"runtime"

	"github.com/sirupsen/logrus"
)

// Backend executes data-parallel loops for an engine.
type Backend interface {
	Name() string
	Available() bool
	// IsDevice reports whether work runs on an accelerator.
	IsDevice() bool
	// Workers is the degree of parallelism ParallelFor uses.
	Workers() int
	// ParallelFor runs fn over [0, n) split into contiguous chunks of at
	// least minChunk elements and waits for all chunks.
	ParallelFor(n, minChunk int, fn func(start, end int))
	Close()
}

// Select returns the device backend when preferDevice is set and a device is
// present, and a CPU pool of the given worker count otherwise. workers <= 0
// means runtime.NumCPU().
func Select(preferDevice bool, workers int) Backend {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if preferDevice {
		dev := NewDeviceBackend(workers)
		if dev.Available() {
			return dev
		}
		logrus.Warnf("compute: %s requested but unavailable, using cpu pool", dev.Name())
	}
	return NewCPUBackend(workers)
}
