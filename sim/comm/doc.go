// Package comm provides process groups and collective operations for the
// ground-state simulator.
//
// A "process" is one goroutine holding a rank handle ([Group]) into a
// [World]. Members of a group cooperate through collectives (Barrier,
// AllreduceSum, AllgatherInt, Bcast, Split): every member must issue the same
// collective, in the same order, for any of them to complete. A member that
// never arrives blocks its peers until the group is aborted or the caller's
// context is canceled, which also aborts the group.
//
// # Partitioning
//
// [Partition] splits a group into disjoint sub-groups from a per-rank color and
// order key. Sub-group handles are owned by the caller and must be freed once.
//
// # Testing
//
// [Self] returns a single-member world group, useful as a fake in unit tests
// of code written against [Group].
package comm
