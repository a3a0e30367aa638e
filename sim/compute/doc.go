// Package compute provides the execution backends a runtime binds once at
// initialization: a CPU worker pool and an accelerator binding.
//
// Engines call [Backend.ParallelFor] for their per-atom loops. Each chunk
// writes only its own slots, and [Select] falls back to the CPU pool when no
// device is present:
//
//	backend := compute.Select(true, 8)
//	defer backend.Close()
//	backend.ParallelFor(n, 16, func(start, end int) { ... })
package compute
