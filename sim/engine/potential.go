package engine

import (
	"context"
	"math"

	"github.com/groundstate-sim/groundstate-sim/sim"
)

const (
	cutoff      = 10.0 // Bohr
	taperWidth  = 1.5  // Bohr
	taperStart  = cutoff - taperWidth
	minDistance = 1e-6
)

// taper is 1 inside taperStart, 0 beyond cutoff and a cosine in between.
func taper(r float64) (f, df float64) {
	switch {
	case r < taperStart:
		return 1, 0
	case r >= cutoff:
		return 0, 0
	}
	x := math.Pi * (r - taperStart) / taperWidth
	return 0.5 * (1 + math.Cos(x)), -0.5 * math.Pi / taperWidth * math.Sin(x)
}

// pair returns φ(r) and dφ/dr.
func (m morse) pair(r float64) (phi, dphi float64) {
	e := math.Exp(-m.width * (r - m.distance))
	u := m.depth * ((1-e)*(1-e) - 1)
	du := m.depth * 2 * (1 - e) * m.width * e
	f, df := taper(r)
	return u * f, du*f + u*df
}

// lattice is the image set for one cell.
type lattice struct {
	cell   sim.Mat3
	shifts []sim.Vec3
}

// newLattice lists every translation that can bring an atom in the home cell
// within the cutoff of another.
func newLattice(s sim.Structure) lattice {
	cell := s.Cell
	vol := cell.Volume()
	var reach [3]int
	for axis := 0; axis < 3; axis++ {
		if !s.Periodic[axis] {
			continue
		}
		b := cell.Row((axis + 1) % 3)
		c := cell.Row((axis + 2) % 3)
		spacing := vol / cross(b, c).Norm()
		reach[axis] = int(math.Ceil(cutoff/spacing)) + 1
	}
	var shifts []sim.Vec3
	for i := -reach[0]; i <= reach[0]; i++ {
		for j := -reach[1]; j <= reach[1]; j++ {
			for k := -reach[2]; k <= reach[2]; k++ {
				shifts = append(shifts, sim.Vec3{float64(i), float64(j), float64(k)}.MulMat(cell))
			}
		}
	}
	return lattice{cell: cell, shifts: shifts}
}

func cross(a, b sim.Vec3) sim.Vec3 {
	return sim.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// homePositions wraps atoms into the home cell along periodic axes.
func homePositions(s sim.Structure) ([]sim.Vec3, error) {
	frac, err := s.FractionalPositions()
	if err != nil {
		return nil, err
	}
	out := make([]sim.Vec3, len(frac))
	for i, f := range frac {
		for axis := 0; axis < 3; axis++ {
			if s.Periodic[axis] {
				f[axis] -= math.Floor(f[axis])
			}
		}
		out[i] = f.MulMat(s.Cell)
	}
	return out, nil
}

// pairTerms holds one rank's share of the pair sums.
type pairTerms struct {
	energy float64
	forces []sim.Vec3
	virial sim.Mat3 // Σ ½ φ'(r) d⊗d / r
}

// pairSums evaluates the pair potential for the atoms owned by rank and
// combines the partial sums over the group. Forces and virial are filled only
// when requested.
func (s *solver) pairSums(ctx context.Context, st sim.Structure, wantForces, wantVirial bool) (pairTerms, error) {
	pos, err := homePositions(st)
	if err != nil {
		return pairTerms{}, err
	}
	lat := newLattice(st)
	n := len(pos)
	rank, size := s.group.Rank(), s.group.Size()

	owned := make([]int, 0, n/size+1)
	for i := rank; i < n; i += size {
		owned = append(owned, i)
	}
	energy := make([]float64, len(owned))
	forces := make([]sim.Vec3, len(owned))
	virial := make([]sim.Mat3, len(owned))

	s.backend.ParallelFor(len(owned), 2, func(start, end int) {
		for slot := start; slot < end; slot++ {
			i := owned[slot]
			for j := 0; j < n; j++ {
				m := s.mixed[i][j]
				for _, shift := range lat.shifts {
					d := pos[j].Add(shift).Sub(pos[i])
					r := d.Norm()
					if r < minDistance || r >= cutoff {
						continue
					}
					phi, dphi := m.pair(r)
					energy[slot] += 0.5 * phi
					if wantForces && j != i {
						forces[slot] = forces[slot].Add(d.Scale(dphi / r))
					}
					if wantVirial {
						w := 0.5 * dphi / r
						for a := 0; a < 3; a++ {
							for b := 0; b < 3; b++ {
								virial[slot][a][b] += w * d[a] * d[b]
							}
						}
					}
				}
			}
		}
	})

	// [energy | 3n forces | 9 virial]
	buf := make([]float64, 1+3*n+9)
	for slot, i := range owned {
		buf[0] += energy[slot]
		copy(buf[1+3*i:1+3*i+3], forces[slot][:])
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				buf[1+3*n+3*a+b] += virial[slot][a][b]
			}
		}
	}
	if err := s.group.AllreduceSum(ctx, buf); err != nil {
		return pairTerms{}, err
	}

	out := pairTerms{energy: buf[0]}
	if wantForces {
		out.forces = make([]sim.Vec3, n)
		for i := range out.forces {
			copy(out.forces[i][:], buf[1+3*i:1+3*i+3])
		}
	}
	if wantVirial {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				out.virial[a][b] = buf[1+3*n+3*a+b]
			}
		}
	}
	return out, nil
}
