package sim

import (
	"context"
	"errors"
	"sync"
)

// fakeEngine is a cheap analytic engine that counts calls.
//
//	E = -N + 1e-3·V + 1e-4·Σ|r|²,  F = -2e-4·r,  σ = 1e-3·I
type fakeEngine struct {
	itersNeeded  int
	newSolverErr error

	mu          sync.Mutex
	solvers     int
	solves      int
	forceCalls  int
	stressCalls int
	closes      int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) NewSolver(_ context.Context, env SolverEnv) (Solver, error) {
	if e.newSolverErr != nil {
		return nil, e.newSolverErr
	}
	e.mu.Lock()
	e.solvers++
	e.mu.Unlock()
	return &fakeSolver{engine: e, opts: env.Options}, nil
}

func (e *fakeEngine) counts() (solves, forces, stress, closes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solves, e.forceCalls, e.stressCalls, e.closes
}

type fakeSolver struct {
	engine *fakeEngine
	opts   Options
	last   Structure
	solved bool
}

func fakeEnergy(s Structure) float64 {
	sum := 0.0
	for _, p := range s.Positions {
		sum += p.Dot(p)
	}
	return -float64(s.NumAtoms()) + 1e-3*s.Cell.Volume() + 1e-4*sum
}

func (f *fakeSolver) Solve(_ context.Context, s Structure) (Solution, error) {
	f.engine.mu.Lock()
	f.engine.solves++
	f.engine.mu.Unlock()

	iters := f.engine.itersNeeded
	if iters == 0 {
		iters = 5
	}
	if iters > f.opts.MaxSCFIterations {
		f.solved = false
		return Solution{Iterations: f.opts.MaxSCFIterations, Residual: 1e-3}, nil
	}
	f.last = s.Clone()
	f.solved = true
	e := fakeEnergy(s)
	return Solution{FreeEnergy: e, InternalEnergy: e, Iterations: iters, Residual: f.opts.SCFTolerance / 10, Converged: true}, nil
}

func (f *fakeSolver) Forces(context.Context) ([]Vec3, error) {
	if !f.solved {
		return nil, errors.New("fake: forces before solve")
	}
	f.engine.mu.Lock()
	f.engine.forceCalls++
	f.engine.mu.Unlock()
	out := make([]Vec3, len(f.last.Positions))
	for i, p := range f.last.Positions {
		out[i] = p.Scale(-2e-4)
	}
	return out, nil
}

func (f *fakeSolver) Stress(context.Context) (Mat3, error) {
	if !f.solved {
		return Mat3{}, errors.New("fake: stress before solve")
	}
	f.engine.mu.Lock()
	f.engine.stressCalls++
	f.engine.mu.Unlock()
	return Identity().Scale(1e-3), nil
}

func (f *fakeSolver) Close() error {
	f.engine.mu.Lock()
	f.engine.closes++
	f.engine.mu.Unlock()
	return nil
}
