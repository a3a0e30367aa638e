// Package sim manages independent ground-state simulations, each bound to its
// own process group.
//
// # Reading Guide
//
// Start with these files:
//   - runtime.go: the per-rank Runtime and its Init/Finalize bracket
//   - context.go: SimulationContext, its state machine and its queries
//   - release.go: single-fire release, scope-bound helpers
//
// # Lifecycle
//
// A context moves through
//
//	Unconfigured → Configured → Converged ⇄ Stale → Released
//
// Energy, forces and stress are served only while Converged. DeformCell,
// UpdateAtomPositions and Reconfigure move a Converged context to Stale.
//
// # Architecture
//
// The sim package defines the Engine and Solver interfaces; the reference
// implementation lives in sim/engine and registers itself via init() by
// setting NewDefaultEngine. Process groups and the partitioner live in
// sim/comm, compute backends in sim/compute, transition records in sim/trace
// and the multi-partition runner in sim/cluster.
package sim
