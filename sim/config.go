package sim

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Structure groups the geometry a context simulates.
type Structure struct {
	Cell          Mat3    // rows are lattice vectors (Bohr)
	Positions     []Vec3  // Cartesian (Bohr)
	AtomicNumbers []int   // one per position, 1..118
	Periodic      [3]bool // per lattice vector
}

// NumAtoms returns the number of particles.
func (s Structure) NumAtoms() int {
	return len(s.Positions)
}

// Clone returns a deep copy.
func (s Structure) Clone() Structure {
	return Structure{
		Cell:          s.Cell,
		Positions:     append([]Vec3(nil), s.Positions...),
		AtomicNumbers: append([]int(nil), s.AtomicNumbers...),
		Periodic:      s.Periodic,
	}
}

// Validate checks the structure on its own.
func (s Structure) Validate() error {
	if len(s.Positions) == 0 {
		return fmt.Errorf("%w: structure has no atoms", ErrInvalidConfiguration)
	}
	if len(s.AtomicNumbers) != len(s.Positions) {
		return fmt.Errorf("%w: %d atomic numbers for %d positions",
			ErrInvalidConfiguration, len(s.AtomicNumbers), len(s.Positions))
	}
	for i, z := range s.AtomicNumbers {
		if z < 1 || z > 118 {
			return fmt.Errorf("%w: atom %d has atomic number %d", ErrInvalidConfiguration, i, z)
		}
	}
	for i, p := range s.Positions {
		for _, x := range p {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%w: atom %d has non-finite position %v", ErrInvalidConfiguration, i, p)
			}
		}
	}
	if !s.Cell.IsFinite() {
		return fmt.Errorf("%w: non-finite cell %v", ErrInvalidConfiguration, s.Cell)
	}
	if s.Cell.IsDegenerate() {
		return fmt.Errorf("%w: degenerate cell (det %.6g)", ErrInvalidConfiguration, s.Cell.Det())
	}
	return nil
}

// FractionalPositions returns positions in lattice coordinates, f = r·A⁻¹.
func (s Structure) FractionalPositions() ([]Vec3, error) {
	inv, err := s.Cell.Inverse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	out := make([]Vec3, len(s.Positions))
	for i, p := range s.Positions {
		out[i] = p.MulMat(inv)
	}
	return out, nil
}

// Options configures how a context runs its solve.
type Options struct {
	UseGPU                bool
	SpinPolarized         bool
	StartingMagnetization float64 // fractional spin polarization, |m| <= 0.5
	SmearingTemperature   float64 // Kelvin, >= 0
	KPointGrid            [3]int  // Monkhorst-Pack divisions, >= 1
	KPointShift           [3]bool // half-step shift per axis
	KPointPools           int     // 0 = auto; must divide the group size
	MeshSize              float64 // Bohr, > 0
	BasisOrder            int     // 1..8
	MaxSCFIterations      int     // >= 1
	SCFTolerance          float64 // > 0
	MixingParameter       float64 // (0, 1]
}

// DefaultOptions returns the options a system file starts from.
func DefaultOptions() Options {
	return Options{
		SmearingTemperature: 500,
		KPointGrid:          [3]int{1, 1, 1},
		MeshSize:            0.8,
		BasisOrder:          6,
		MaxSCFIterations:    100,
		SCFTolerance:        1e-8,
		MixingParameter:     0.5,
	}
}

// Validate checks the options against the structure they will run on and the
// size of the group that will run them.
func (o Options) Validate(s Structure, groupSize int) error {
	if o.SmearingTemperature < 0 || math.IsNaN(o.SmearingTemperature) {
		return fmt.Errorf("%w: smearing temperature %g K", ErrInvalidConfiguration, o.SmearingTemperature)
	}
	if math.Abs(o.StartingMagnetization) > 0.5 {
		return fmt.Errorf("%w: starting magnetization %g outside [-0.5,0.5]", ErrInvalidConfiguration, o.StartingMagnetization)
	}
	for axis, n := range o.KPointGrid {
		if n < 1 {
			return fmt.Errorf("%w: k-point grid %v must be positive", ErrInvalidConfiguration, o.KPointGrid)
		}
		if !s.Periodic[axis] && n != 1 {
			return fmt.Errorf("%w: k-point grid %v samples non-periodic axis %d", ErrInvalidConfiguration, o.KPointGrid, axis)
		}
	}
	if o.KPointPools < 0 {
		return fmt.Errorf("%w: k-point pools %d", ErrInvalidConfiguration, o.KPointPools)
	}
	if o.KPointPools > 0 && groupSize%o.KPointPools != 0 {
		return fmt.Errorf("%w: %d k-point pools do not divide group of %d", ErrInvalidConfiguration, o.KPointPools, groupSize)
	}
	if !(o.MeshSize > 0) {
		return fmt.Errorf("%w: mesh size %g", ErrInvalidConfiguration, o.MeshSize)
	}
	if o.BasisOrder < 1 || o.BasisOrder > 8 {
		return fmt.Errorf("%w: basis order %d outside 1..8", ErrInvalidConfiguration, o.BasisOrder)
	}
	if o.MaxSCFIterations < 1 {
		return fmt.Errorf("%w: max SCF iterations %d", ErrInvalidConfiguration, o.MaxSCFIterations)
	}
	if !(o.SCFTolerance > 0) {
		return fmt.Errorf("%w: SCF tolerance %g", ErrInvalidConfiguration, o.SCFTolerance)
	}
	if !(o.MixingParameter > 0 && o.MixingParameter <= 1) {
		return fmt.Errorf("%w: mixing parameter %g outside (0,1]", ErrInvalidConfiguration, o.MixingParameter)
	}
	return nil
}

// fingerprint hashes everything ranks of one group must agree on. The low bit
// is always set so zero can stand for "rejected locally".
func fingerprint(s Structure, o Options) int64 {
	h := fnv.New64a()
	var buf [8]byte
	putF := func(x float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		h.Write(buf[:])
	}
	putI := func(x int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(x)))
		h.Write(buf[:])
	}
	putB := func(b bool) {
		if b {
			putI(1)
		} else {
			putI(0)
		}
	}

	for _, row := range s.Cell {
		for _, x := range row {
			putF(x)
		}
	}
	putI(len(s.Positions))
	for _, p := range s.Positions {
		putF(p[0])
		putF(p[1])
		putF(p[2])
	}
	for _, z := range s.AtomicNumbers {
		putI(z)
	}
	for axis := 0; axis < 3; axis++ {
		putB(s.Periodic[axis])
		putI(o.KPointGrid[axis])
		putB(o.KPointShift[axis])
	}
	putB(o.UseGPU)
	putB(o.SpinPolarized)
	putF(o.StartingMagnetization)
	putF(o.SmearingTemperature)
	putI(o.KPointPools)
	putF(o.MeshSize)
	putI(o.BasisOrder)
	putI(o.MaxSCFIterations)
	putF(o.SCFTolerance)
	putF(o.MixingParameter)
	return int64(h.Sum64() | 1)
}
