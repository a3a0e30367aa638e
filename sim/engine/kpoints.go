package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

// bandStrength scales the band term, Ha·Bohr.
const bandStrength = 0.05

// kpoint is one Monkhorst-Pack sample in reduced reciprocal coordinates.
type kpoint struct {
	k      sim.Vec3
	weight float64
}

// monkhorstPack returns the full, unreduced grid. Along an axis with n
// divisions the samples are (2r - n - 1)/(2n) for r = 1..n, moved by 1/(2n)
// when that axis is shifted.
func monkhorstPack(grid [3]int, shift [3]bool) []kpoint {
	total := grid[0] * grid[1] * grid[2]
	out := make([]kpoint, 0, total)
	coord := func(axis, r int) float64 {
		n := float64(grid[axis])
		u := (2*float64(r) - n - 1) / (2 * n)
		if shift[axis] {
			u += 1 / (2 * n)
		}
		return u
	}
	for a := 1; a <= grid[0]; a++ {
		for b := 1; b <= grid[1]; b++ {
			for c := 1; c <= grid[2]; c++ {
				out = append(out, kpoint{
					k:      sim.Vec3{coord(0, a), coord(1, b), coord(2, c)},
					weight: 1 / float64(total),
				})
			}
		}
	}
	return out
}

// bandDispersion is the per-atom band energy at k in units of bandStrength·ρ^(1/3).
func bandDispersion(k sim.Vec3) float64 {
	sum := 0.0
	for _, x := range k {
		c := math.Cos(math.Pi * x)
		sum += c * c
	}
	return -sum / 3
}

// resolvePools returns the number of k-point pools for a group. requested 0
// picks the largest divisor of the group size that does not exceed nk.
func resolvePools(requested, groupSize, nk int) (int, error) {
	if requested > 0 {
		if groupSize%requested != 0 {
			return 0, fmt.Errorf("%w: %d k-point pools do not divide group of %d", sim.ErrInvalidConfiguration, requested, groupSize)
		}
		return requested, nil
	}
	best := 1
	for d := 1; d <= groupSize; d++ {
		if groupSize%d == 0 && d <= nk {
			best = d
		}
	}
	return best, nil
}

// kpointPools splits the solver's group into pools. Pool p owns every k-point
// whose index is p modulo the pool count; within a pool the k-points are
// dealt round-robin to its members.
type kpointPools struct {
	count int
	index int
	group comm.Group
}

func newKPointPools(ctx context.Context, g comm.Group, count int) (*kpointPools, error) {
	pool, _, err := comm.Partition(ctx, g, comm.BlockColor(count), comm.IdentityKey)
	if err != nil {
		return nil, err
	}
	return &kpointPools{
		count: count,
		index: g.Rank() / (g.Size() / count),
		group: pool,
	}, nil
}

// bandSum returns Σ_k w_k e(k) over the whole grid. Each pool reduces its
// share internally; pool leaders then combine the pools over the full group.
func (p *kpointPools) bandSum(ctx context.Context, g comm.Group, kpts []kpoint) (float64, error) {
	partial := 0.0
	seen := 0
	for i, kp := range kpts {
		if i%p.count != p.index {
			continue
		}
		if seen%p.group.Size() == p.group.Rank() {
			partial += kp.weight * bandDispersion(kp.k)
		}
		seen++
	}

	buf := []float64{partial}
	if err := p.group.AllreduceSum(ctx, buf); err != nil {
		return 0, err
	}
	if p.group.Rank() != 0 {
		buf[0] = 0
	}
	if err := g.AllreduceSum(ctx, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (p *kpointPools) free() error {
	if p == nil || p.group == nil {
		return nil
	}
	err := p.group.Free()
	p.group = nil
	return err
}

// bandEnergy is E_band = B·ρ^(1/3)·N·Σ_k w_k e(k) with ρ = N/V.
func bandEnergy(n int, volume, kSum float64) float64 {
	rho := float64(n) / volume
	return bandStrength * math.Cbrt(rho) * float64(n) * kSum
}
