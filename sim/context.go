package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/compute"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

// SimulationContext is one simulated system bound to one process group.
//
// Every method that takes a context.Context is collective: all members of the
// group must call it in the same order. Mutations are local; ranks that
// diverge are caught by the configuration check at the next collective. A
// context is owned by a single rank goroutine and is not safe for concurrent use.
type SimulationContext struct {
	id     string
	label  string
	rt     *Runtime
	group  comm.Group
	engine Engine
	trace  *trace.LifecycleTrace
	log    *logrus.Entry

	state     State
	structure Structure
	options   Options
	solver    Solver
	backend   compute.Backend

	solution   Solution
	forces     []Vec3
	stress     Mat3
	haveForces bool
	haveStress bool

	guard releaseGuard
}

// ContextOption configures a single context.
type ContextOption func(*contextConfig)

type contextConfig struct {
	engine Engine
	label  string
}

// ContextEngine overrides the runtime's engine for one context.
func ContextEngine(e Engine) ContextOption {
	return func(c *contextConfig) { c.engine = e }
}

// ContextLabel names the context in logs and traces.
func ContextLabel(label string) ContextOption {
	return func(c *contextConfig) { c.label = label }
}

// NewSimulationContext binds s and opts to group and allocates the solver.
// Collective over group. The returned context is Configured.
func (rt *Runtime) NewSimulationContext(ctx context.Context, group comm.Group, s Structure, opts Options, copts ...ContextOption) (*SimulationContext, error) {
	const op = "construct"
	if group == nil {
		return nil, &OpError{Op: op, Err: fmt.Errorf("%w: nil group", ErrInvalidConfiguration)}
	}
	if err := group.Err(); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	cfg := contextConfig{engine: rt.engine}
	for _, o := range copts {
		o(&cfg)
	}

	if err := rt.reserve(group); err != nil {
		if errors.Is(err, ErrRuntimeNotInitialized) {
			return nil, rt.escalate(group, &OpError{Op: op, Err: err})
		}
		return nil, &OpError{Op: op, Err: err}
	}

	sc, err := rt.construct(ctx, group, s.Clone(), opts, cfg)
	if err != nil {
		rt.unreserve(group)
		return nil, err
	}
	rt.register(sc)
	sc.log.Infof("context constructed: %d atoms, engine %s, backend %s", s.NumAtoms(), sc.engine.Name(), sc.backend.Name())
	return sc, nil
}

func (rt *Runtime) construct(ctx context.Context, group comm.Group, s Structure, opts Options, cfg contextConfig) (*SimulationContext, error) {
	const op = "construct"
	localErr := s.Validate()
	if localErr == nil {
		localErr = opts.Validate(s, group.Size())
	}
	if localErr == nil && cfg.engine == nil {
		localErr = fmt.Errorf("%w: no engine registered", ErrInvalidConfiguration)
	}

	if err := agreeOnConfiguration(ctx, group, s, opts, localErr); err != nil {
		if errors.Is(err, ErrCollectiveMismatch) {
			return nil, rt.escalate(group, &OpError{Op: op, Err: err})
		}
		return nil, &OpError{Op: op, Err: err}
	}
	id, err := agreeOnID(ctx, group)
	if err != nil {
		return nil, &OpError{Op: op, Err: err}
	}

	sc := &SimulationContext{
		id:        id,
		label:     cfg.label,
		rt:        rt,
		group:     group,
		engine:    cfg.engine,
		trace:     rt.trace,
		state:     StateUnconfigured,
		structure: s,
		options:   opts,
	}
	sc.log = logrus.WithFields(logrus.Fields{
		"context": shortID(id),
		"group":   group.ID(),
		"rank":    group.Rank(),
	})
	if cfg.label != "" {
		sc.log = sc.log.WithField("system", cfg.label)
	}

	if err := sc.allocate(ctx, opts); err != nil {
		return nil, &OpError{Op: op, ContextID: id, State: sc.state, Err: err}
	}
	sc.transition(op, StateConfigured)
	return sc, nil
}

// allocate creates a backend and solver for opts and swaps them in.
func (sc *SimulationContext) allocate(ctx context.Context, opts Options) error {
	backend := compute.Select(opts.UseGPU, sc.rt.threads)
	solver, err := sc.engine.NewSolver(ctx, SolverEnv{
		Group:     sc.group,
		Structure: sc.structure.Clone(),
		Options:   opts,
		Backend:   backend,
		Log:       sc.log,
	})
	if err != nil {
		backend.Close()
		return err
	}
	if err := sc.closeSolver(); err != nil {
		sc.log.Warnf("closing replaced solver: %v", err)
	}
	sc.solver, sc.backend, sc.options = solver, backend, opts
	return nil
}

func (sc *SimulationContext) closeSolver() error {
	var err error
	if sc.solver != nil {
		err = sc.solver.Close()
		sc.solver = nil
	}
	if sc.backend != nil {
		sc.backend.Close()
		sc.backend = nil
	}
	return err
}

// agreeOnConfiguration checks that every rank validated the same structure
// and options. localErr is this rank's validation result.
func agreeOnConfiguration(ctx context.Context, g comm.Group, s Structure, opts Options, localErr error) error {
	var fp int64
	if localErr == nil {
		fp = fingerprint(s, opts)
	}
	all, err := g.AllgatherInt(ctx, fp)
	if err != nil {
		return err
	}
	if localErr != nil {
		return localErr
	}
	for r, v := range all {
		if v == 0 {
			return fmt.Errorf("%w: rejected by rank %d of group %s", ErrInvalidConfiguration, r, g.ID())
		}
	}
	for r, v := range all {
		if v != all[0] {
			return fmt.Errorf("%w: configuration on rank %d of group %s differs from rank 0", ErrCollectiveMismatch, r, g.ID())
		}
	}
	return nil
}

// agreeOnID distributes a context ID generated on rank 0.
func agreeOnID(ctx context.Context, g comm.Group) (string, error) {
	var hi, lo int64
	if g.Rank() == 0 {
		u := uuid.New()
		hi = int64(binary.BigEndian.Uint64(u[:8]))
		lo = int64(binary.BigEndian.Uint64(u[8:]))
	}
	his, err := g.AllgatherInt(ctx, hi)
	if err != nil {
		return "", err
	}
	los, err := g.AllgatherInt(ctx, lo)
	if err != nil {
		return "", err
	}
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], uint64(his[0]))
	binary.BigEndian.PutUint64(u[8:], uint64(los[0]))
	return u.String(), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// === Compute ===

// ComputeGroundState solves for the current structure and returns the free
// energy. On a Converged context it returns the cached energy and computes
// only the quantities not requested before. Collective.
func (sc *SimulationContext) ComputeGroundState(ctx context.Context, wantForces, wantStress bool) (float64, error) {
	const op = "compute"
	if err := sc.checkLive(op); err != nil {
		return 0, err
	}
	if err := agreeOnConfiguration(ctx, sc.group, sc.structure, sc.options, nil); err != nil {
		return 0, sc.fail(op, err)
	}

	metrics := sc.rt.metrics
	if sc.state.servesResults() {
		metrics.Solves.WithLabelValues(OutcomeCached).Inc()
		sc.recordSolve(sc.solution, true, nil)
	} else {
		start := time.Now()
		sol, err := sc.solver.Solve(ctx, sc.structure)
		if err != nil {
			metrics.Solves.WithLabelValues(OutcomeError).Inc()
			sc.recordSolve(sol, false, err)
			return 0, sc.fail(op, err)
		}
		metrics.SolveSeconds.Observe(time.Since(start).Seconds())
		metrics.SCFIterations.Observe(float64(sol.Iterations))
		if !sol.Converged {
			metrics.Solves.WithLabelValues(OutcomeNotConverged).Inc()
			cerr := &ConvergenceError{Iterations: sol.Iterations, Residual: sol.Residual, Tolerance: sc.options.SCFTolerance}
			sc.recordSolve(sol, false, cerr)
			sc.clearDerived()
			sc.log.Warnf("solve did not converge after %d iterations (residual %.3e)", sol.Iterations, sol.Residual)
			return 0, sc.fail(op, cerr)
		}
		metrics.Solves.WithLabelValues(OutcomeConverged).Inc()
		sc.recordSolve(sol, false, nil)
		sc.clearDerived()
		sc.solution = sol
		sc.log.Debugf("solve converged in %d iterations: free energy %.10f Ha", sol.Iterations, sol.FreeEnergy)
	}

	if wantForces && !sc.haveForces {
		forces, err := sc.solver.Forces(ctx)
		if err != nil {
			return 0, sc.fail(op, err)
		}
		if len(forces) != sc.structure.NumAtoms() {
			return 0, sc.fail(op, fmt.Errorf("engine %s returned %d forces for %d atoms", sc.engine.Name(), len(forces), sc.structure.NumAtoms()))
		}
		sc.forces = append([]Vec3(nil), forces...)
		sc.haveForces = true
	}
	if wantStress && !sc.haveStress {
		stress, err := sc.solver.Stress(ctx)
		if err != nil {
			return 0, sc.fail(op, err)
		}
		sc.stress = stress
		sc.haveStress = true
	}

	if sc.state != StateConverged {
		sc.transition(op, StateConverged)
	}
	return sc.solution.FreeEnergy, nil
}

// === Queries ===

// Energy returns the cached free energy in Hartree.
func (sc *SimulationContext) Energy() (float64, error) {
	if err := sc.checkResults("energy"); err != nil {
		return 0, err
	}
	return sc.solution.FreeEnergy, nil
}

// Solution returns the full breakdown of the last converged solve.
func (sc *SimulationContext) Solution() (Solution, error) {
	if err := sc.checkResults("solution"); err != nil {
		return Solution{}, err
	}
	return sc.solution, nil
}

// Forces returns a copy of the cached forces in Ha/Bohr, one per atom.
func (sc *SimulationContext) Forces() ([]Vec3, error) {
	const op = "forces"
	if err := sc.checkResults(op); err != nil {
		return nil, err
	}
	if !sc.haveForces {
		return nil, sc.opError(op, ErrQuantityNotComputed)
	}
	return append([]Vec3(nil), sc.forces...), nil
}

// Stress returns the cached stress tensor in Ha/Bohr³.
func (sc *SimulationContext) Stress() (Mat3, error) {
	const op = "stress"
	if err := sc.checkResults(op); err != nil {
		return Mat3{}, err
	}
	if !sc.haveStress {
		return Mat3{}, sc.opError(op, ErrQuantityNotComputed)
	}
	return sc.stress, nil
}

func (sc *SimulationContext) checkResults(op string) error {
	if err := sc.checkLive(op); err != nil {
		return err
	}
	if !sc.state.servesResults() {
		return sc.opError(op, fmt.Errorf("%w: context is %s", ErrStaleResult, sc.state))
	}
	return nil
}

// === Mutation ===

// DeformCell applies deformation D to the cell and the atoms: A' = A·Dᵀ and
// R' = R·Dᵀ, which keeps fractional coordinates fixed. A degenerate result is
// rejected and leaves the structure untouched.
func (sc *SimulationContext) DeformCell(deformation Mat3) error {
	const op = "deform"
	if err := sc.checkLive(op); err != nil {
		return err
	}
	if !deformation.IsFinite() {
		return sc.opError(op, fmt.Errorf("%w: non-finite deformation %v", ErrInvalidConfiguration, deformation))
	}
	dt := deformation.T()
	cell := sc.structure.Cell.Mul(dt)
	if cell.IsDegenerate() {
		return sc.opError(op, fmt.Errorf("%w: deformation leaves a degenerate cell (det %.6g)", ErrInvalidConfiguration, cell.Det()))
	}
	positions := make([]Vec3, len(sc.structure.Positions))
	for i, p := range sc.structure.Positions {
		positions[i] = p.MulMat(dt)
	}
	sc.structure.Cell = cell
	sc.structure.Positions = positions
	sc.mutated(op)
	return nil
}

// UpdateAtomPositions adds one displacement per atom. Along periodic lattice
// vectors the result is wrapped back into the cell.
func (sc *SimulationContext) UpdateAtomPositions(displacements []Vec3) error {
	const op = "displace"
	if err := sc.checkLive(op); err != nil {
		return err
	}
	n := sc.structure.NumAtoms()
	if len(displacements) != n {
		return sc.opError(op, fmt.Errorf("%w: %d displacements for %d atoms", ErrInvalidConfiguration, len(displacements), n))
	}
	for i, d := range displacements {
		for _, x := range d {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return sc.opError(op, fmt.Errorf("%w: non-finite displacement %v for atom %d", ErrInvalidConfiguration, d, i))
			}
		}
	}

	s := sc.structure
	wrap := s.Periodic[0] || s.Periodic[1] || s.Periodic[2]
	var inv Mat3
	if wrap {
		var err error
		if inv, err = s.Cell.Inverse(); err != nil {
			return sc.opError(op, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err))
		}
	}
	positions := make([]Vec3, n)
	for i, p := range s.Positions {
		r := p.Add(displacements[i])
		if wrap {
			f := r.MulMat(inv)
			for axis := 0; axis < 3; axis++ {
				if s.Periodic[axis] {
					f[axis] = wrapUnit(f[axis])
				}
			}
			r = f.MulMat(s.Cell)
		}
		positions[i] = r
	}
	sc.structure.Positions = positions
	sc.mutated(op)
	return nil
}

// Reconfigure replaces the options and the solver built from them. Derived
// data is invalidated. Collective.
func (sc *SimulationContext) Reconfigure(ctx context.Context, opts Options) error {
	const op = "reconfigure"
	if err := sc.checkLive(op); err != nil {
		return err
	}
	localErr := opts.Validate(sc.structure, sc.group.Size())
	if err := agreeOnConfiguration(ctx, sc.group, sc.structure, opts, localErr); err != nil {
		return sc.fail(op, err)
	}
	if err := sc.allocate(ctx, opts); err != nil {
		return sc.fail(op, err)
	}
	sc.mutated(op)
	return nil
}

func (sc *SimulationContext) mutated(op string) {
	sc.clearDerived()
	if next := sc.state.afterMutation(); next != sc.state {
		sc.transition(op, next)
	} else {
		sc.log.Debugf("%s on %s context", op, sc.state)
	}
}

func (sc *SimulationContext) clearDerived() {
	sc.solution = Solution{}
	sc.forces = nil
	sc.stress = Mat3{}
	sc.haveForces = false
	sc.haveStress = false
}

// === Accessors ===

func (sc *SimulationContext) ID() string        { return sc.id }
func (sc *SimulationContext) Label() string     { return sc.label }
func (sc *SimulationContext) Group() comm.Group { return sc.group }
func (sc *SimulationContext) State() State      { return sc.state }

// Structure returns a copy of the current structure.
func (sc *SimulationContext) Structure() (Structure, error) {
	if err := sc.checkLive("structure"); err != nil {
		return Structure{}, err
	}
	return sc.structure.Clone(), nil
}

func (sc *SimulationContext) Options() (Options, error) {
	if err := sc.checkLive("options"); err != nil {
		return Options{}, err
	}
	return sc.options, nil
}

func (sc *SimulationContext) Cell() (Mat3, error) {
	if err := sc.checkLive("cell"); err != nil {
		return Mat3{}, err
	}
	return sc.structure.Cell, nil
}

func (sc *SimulationContext) Positions() ([]Vec3, error) {
	if err := sc.checkLive("positions"); err != nil {
		return nil, err
	}
	return append([]Vec3(nil), sc.structure.Positions...), nil
}

func (sc *SimulationContext) FractionalPositions() ([]Vec3, error) {
	if err := sc.checkLive("fractional positions"); err != nil {
		return nil, err
	}
	return sc.structure.FractionalPositions()
}

func (sc *SimulationContext) AtomicNumbers() ([]int, error) {
	if err := sc.checkLive("atomic numbers"); err != nil {
		return nil, err
	}
	return append([]int(nil), sc.structure.AtomicNumbers...), nil
}

func (sc *SimulationContext) Periodicity() ([3]bool, error) {
	if err := sc.checkLive("periodicity"); err != nil {
		return [3]bool{}, err
	}
	return sc.structure.Periodic, nil
}

func (sc *SimulationContext) NumAtoms() (int, error) {
	if err := sc.checkLive("num atoms"); err != nil {
		return 0, err
	}
	return sc.structure.NumAtoms(), nil
}

// === Bookkeeping ===

func (sc *SimulationContext) checkLive(op string) error {
	if sc.state == StateReleased {
		return sc.rt.escalate(sc.group, sc.opError(op, ErrUseAfterRelease))
	}
	if !sc.rt.Initialized() {
		return sc.rt.escalate(sc.group, sc.opError(op, ErrRuntimeNotInitialized))
	}
	return nil
}

func (sc *SimulationContext) opError(op string, err error) error {
	return &OpError{Op: op, ContextID: sc.id, State: sc.state, Err: err}
}

// fail wraps err and escalates it when it breaks the lifecycle contract.
func (sc *SimulationContext) fail(op string, err error) error {
	oe := sc.opError(op, err)
	if isContractViolation(err) {
		return sc.rt.escalate(sc.group, oe)
	}
	return oe
}

func (sc *SimulationContext) transition(op string, to State) {
	from := sc.state
	sc.state = to
	sc.log.Debugf("%s: %s → %s", op, from, to)
	sc.trace.RecordTransition(trace.TransitionRecord{
		ContextID: sc.id,
		GroupID:   sc.group.ID(),
		Rank:      sc.group.Rank(),
		Op:        op,
		From:      string(from),
		To:        string(to),
	})
}

func (sc *SimulationContext) recordSolve(sol Solution, cached bool, err error) {
	if !sc.trace.Enabled() || sc.group.Rank() != 0 {
		return
	}
	rec := trace.SolveRecord{
		ContextID:  sc.id,
		Iterations: sol.Iterations,
		Residual:   sol.Residual,
		FreeEnergy: sol.FreeEnergy,
		Converged:  sol.Converged,
		Cached:     cached,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	sc.trace.RecordSolve(rec)
}
