package sim

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/compute"
)

// Solution is the outcome of one ground-state solve. Energies are in Hartree.
type Solution struct {
	FreeEnergy     float64 // internal energy minus T·S
	InternalEnergy float64
	Entropy        float64 // dimensionless, multiply by kB·T for an energy
	Magnetization  float64 // per atom, zero unless spin polarized
	Iterations     int
	Residual       float64
	Converged      bool
}

// SolverEnv is everything a solver may hold on to for its lifetime.
type SolverEnv struct {
	Group     comm.Group
	Structure Structure
	Options   Options
	Backend   compute.Backend
	Log       *logrus.Entry
}

// Engine creates solvers. Implementations must be safe for concurrent use by
// the ranks of different groups.
type Engine interface {
	Name() string
	// NewSolver allocates the solver's resources. It is collective over
	// env.Group and must fail identically on every rank for invalid input.
	NewSolver(ctx context.Context, env SolverEnv) (Solver, error)
}

// Solver computes ground-state quantities for one context. Every method except
// Close is collective over the solver's group.
type Solver interface {
	// Solve runs the self-consistent solve on s. A solve that stops short of
	// its tolerance returns Converged == false and a nil error.
	Solve(ctx context.Context, s Structure) (Solution, error)
	// Forces is valid only after a converged Solve.
	Forces(ctx context.Context) ([]Vec3, error)
	// Stress is valid only after a converged Solve.
	Stress(ctx context.Context) (Mat3, error)
	Close() error
}

// NewDefaultEngine creates the engine a Runtime uses when none is configured.
// Set by sim/engine's init().
var NewDefaultEngine func() Engine
