package compute

import (
	"fmt"
	"sync"
)

// CPUBackend runs ParallelFor chunks on goroutines.
type CPUBackend struct {
	workers int
}

// NewCPUBackend returns a pool of the given size, at least one worker.
func NewCPUBackend(workers int) *CPUBackend {
	if workers < 1 {
		workers = 1
	}
	return &CPUBackend{workers: workers}
}

func (c *CPUBackend) Name() string    { return fmt.Sprintf("cpu (%d workers)", c.workers) }
func (c *CPUBackend) Available() bool { return true }
func (c *CPUBackend) IsDevice() bool  { return false }
func (c *CPUBackend) Workers() int    { return c.workers }
func (c *CPUBackend) Close()          {}

// ParallelFor splits [0, n) evenly over at most Workers() goroutines, falling
// back to a single call when n is too small to give each one minChunk.
func (c *CPUBackend) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	workers := c.workers
	if n/minChunk < workers {
		workers = n / minChunk
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
