package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/compute"
)

func init() {
	sim.NewDefaultEngine = func() sim.Engine { return New() }
}

// Name is the engine's registered name.
const Name = "reference"

// Engine is the reference engine. It is stateless; all state lives in solvers.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return Name }

// NewSolver resolves species parameters, the k-point grid and the k-point
// pools. Collective over env.Group.
func (e *Engine) NewSolver(ctx context.Context, env sim.SolverEnv) (sim.Solver, error) {
	if env.Group == nil || env.Backend == nil {
		return nil, errors.New("engine: solver needs a group and a backend")
	}
	sp, err := lookupSpecies(env.Structure.AtomicNumbers)
	if err != nil {
		return nil, err
	}
	kpts := monkhorstPack(env.Options.KPointGrid, env.Options.KPointShift)
	pools, err := resolvePools(env.Options.KPointPools, env.Group.Size(), len(kpts))
	if err != nil {
		return nil, err
	}

	n := len(sp)
	mixed := make([][]morse, n)
	exchange := 0.0
	for i := range mixed {
		mixed[i] = make([]morse, n)
		for j := range mixed[i] {
			mixed[i][j] = mix(sp[i], sp[j])
		}
		exchange += sp[i].Exchange
	}
	exchange /= float64(n)

	kp, err := newKPointPools(ctx, env.Group, pools)
	if err != nil {
		return nil, err
	}

	log := env.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.Debugf("reference solver: %d atoms, %d k-points in %d pools, mesh %d points (order %d), backend %s",
		n, len(kpts), pools, meshPoints(env.Structure.Cell, env.Options), env.Options.BasisOrder, env.Backend.Name())

	return &solver{
		group:    env.Group,
		backend:  env.Backend,
		opts:     env.Options,
		log:      log,
		mixed:    mixed,
		exchange: exchange,
		kpts:     kpts,
		pools:    kp,
	}, nil
}

// meshPoints is the size of the finite-element mesh the options describe.
func meshPoints(cell sim.Mat3, opts sim.Options) int {
	total := 1
	for axis := 0; axis < 3; axis++ {
		cells := int(math.Ceil(cell.Row(axis).Norm() / opts.MeshSize))
		total *= cells*opts.BasisOrder + 1
	}
	return total
}

type solver struct {
	group    comm.Group
	backend  compute.Backend
	opts     sim.Options
	log      *logrus.Entry
	mixed    [][]morse
	exchange float64
	kpts     []kpoint
	pools    *kpointPools

	solved    bool
	structure sim.Structure
	bandE     float64
	closed    bool
}

var errNotSolved = errors.New("engine: no converged solve to differentiate")

// Solve evaluates the pair and band energies for s and runs the mean-field
// loop on rank 0, broadcasting its result.
func (s *solver) Solve(ctx context.Context, st sim.Structure) (sim.Solution, error) {
	if s.closed {
		return sim.Solution{}, errors.New("engine: solve on closed solver")
	}
	s.solved = false
	if len(st.AtomicNumbers) != len(s.mixed) {
		return sim.Solution{}, fmt.Errorf("%w: solver built for %d atoms, got %d", sim.ErrInvalidConfiguration, len(s.mixed), len(st.AtomicNumbers))
	}

	pair, err := s.pairSums(ctx, st, false, false)
	if err != nil {
		return sim.Solution{}, err
	}
	kSum, err := s.pools.bandSum(ctx, s.group, s.kpts)
	if err != nil {
		return sim.Solution{}, err
	}
	n := st.NumAtoms()
	band := bandEnergy(n, st.Cell.Volume(), kSum)

	// [q, m, iterations, residual, converged]
	buf := make([]float64, 5)
	if s.group.Rank() == 0 {
		res := runSCF(s.opts, s.exchange)
		buf[0], buf[1], buf[2], buf[3] = res.transfer, res.magnetization, float64(res.iterations), res.residual
		if res.converged {
			buf[4] = 1
		}
	}
	if err := s.group.Bcast(ctx, buf, 0); err != nil {
		return sim.Solution{}, err
	}
	q, m := buf[0], buf[1]

	nf := float64(n)
	internal := pair.energy + band - 0.5*nf*transferEnergy*q*q
	entropy := 0.0
	if s.opts.SpinPolarized {
		internal -= 0.5 * nf * s.exchange * m * m
		entropy = nf * spinEntropy(m)
	}
	tau := math.Max(boltzmann*s.opts.SmearingTemperature, minTemperature)

	sol := sim.Solution{
		FreeEnergy:     internal - tau*entropy,
		InternalEnergy: internal,
		Entropy:        entropy,
		Magnetization:  m,
		Iterations:     int(buf[2]),
		Residual:       buf[3],
		Converged:      buf[4] == 1,
	}
	if sol.Converged {
		s.solved = true
		s.structure = st.Clone()
		s.bandE = band
	}
	return sol, nil
}

// Forces are -∂E/∂r of the pair term; the band and mean-field terms do not
// depend on atomic positions.
func (s *solver) Forces(ctx context.Context) ([]sim.Vec3, error) {
	if !s.solved {
		return nil, errNotSolved
	}
	pair, err := s.pairSums(ctx, s.structure, true, false)
	if err != nil {
		return nil, err
	}
	return pair.forces, nil
}

// Stress is (1/V)·∂E/∂ε: the pair virial plus the band term's volume
// dependence, -(1/3)·E_band/V on the diagonal.
func (s *solver) Stress(ctx context.Context) (sim.Mat3, error) {
	if !s.solved {
		return sim.Mat3{}, errNotSolved
	}
	pair, err := s.pairSums(ctx, s.structure, false, true)
	if err != nil {
		return sim.Mat3{}, err
	}
	vol := s.structure.Cell.Volume()
	stress := pair.virial.Scale(1 / vol)
	for a := 0; a < 3; a++ {
		stress[a][a] -= s.bandE / (3 * vol)
	}
	return stress, nil
}

func (s *solver) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.solved = false
	return s.pools.free()
}
