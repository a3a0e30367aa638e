package cluster

import (
	"fmt"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

// Layout names how the world is cut into one partition per job.
type Layout string

const (
	// LayoutParity splits even and odd ranks into two partitions. Odd ranks
	// are ordered in reverse, so partition 1 is led by the highest odd rank.
	LayoutParity Layout = "parity"
	// LayoutBlocks cuts the world into contiguous equal-size blocks.
	LayoutBlocks Layout = "blocks"
	// LayoutRoundRobin deals ranks to partitions in turn.
	LayoutRoundRobin Layout = "round-robin"
)

var validLayouts = map[Layout]bool{
	LayoutParity:     true,
	LayoutBlocks:     true,
	LayoutRoundRobin: true,
}

// IsValidLayout returns true if name is a recognized layout.
func IsValidLayout(name string) bool {
	return validLayouts[Layout(name)]
}

// ValidLayoutNames returns the recognized layout names.
func ValidLayoutNames() []string {
	return []string{string(LayoutParity), string(LayoutBlocks), string(LayoutRoundRobin)}
}

// Functions returns the color and key functions that place ranks of a world
// of the given size into parts partitions.
func (l Layout) Functions(ranks, parts int) (comm.ColorFunc, comm.KeyFunc, error) {
	if parts < 1 {
		return nil, nil, fmt.Errorf("layout %q: need at least one partition", l)
	}
	if ranks < parts {
		return nil, nil, fmt.Errorf("layout %q: %d ranks cannot host %d partitions", l, ranks, parts)
	}
	switch l {
	case LayoutParity:
		if parts != 2 {
			return nil, nil, fmt.Errorf("layout %q: needs exactly 2 jobs, got %d", l, parts)
		}
		return comm.ParityColor, comm.MirroredKey, nil
	case LayoutBlocks:
		if ranks%parts != 0 {
			return nil, nil, fmt.Errorf("layout %q: %d ranks not divisible into %d blocks", l, ranks, parts)
		}
		return comm.BlockColor(parts), comm.IdentityKey, nil
	case LayoutRoundRobin:
		return func(rank, _ int) int { return rank % parts }, comm.IdentityKey, nil
	}
	return nil, nil, fmt.Errorf("unknown layout %q; valid layouts: %v", l, ValidLayoutNames())
}

// DeploymentConfig describes the in-process world a Cluster runs on.
// Ranks must be >= 1.
type DeploymentConfig struct {
	Ranks   int
	Layout  Layout
	Threads int // worker threads per rank; 0 keeps the runtime default

	// Optional, shared by every rank.
	Metrics *sim.Metrics
	Trace   *trace.LifecycleTrace
}

func (d DeploymentConfig) runtimeOptions() []sim.RuntimeOption {
	var opts []sim.RuntimeOption
	if d.Threads > 0 {
		opts = append(opts, sim.WithThreads(d.Threads))
	}
	if d.Metrics != nil {
		opts = append(opts, sim.WithMetrics(d.Metrics))
	}
	if d.Trace != nil {
		opts = append(opts, sim.WithTrace(d.Trace))
	}
	return opts
}

// PartitionSizes returns how many ranks each partition receives.
func (l Layout) PartitionSizes(ranks, parts int) ([]int, error) {
	colorOf, _, err := l.Functions(ranks, parts)
	if err != nil {
		return nil, err
	}
	sizes := make([]int, parts)
	for rank := 0; rank < ranks; rank++ {
		sizes[colorOf(rank, ranks)]++
	}
	return sizes, nil
}
