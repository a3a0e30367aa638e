package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

func TestQueries_BeforeCompute(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()

	_, err := sc.Energy()
	assert.ErrorIs(t, err, ErrStaleResult)
	_, err = sc.Forces()
	assert.ErrorIs(t, err, ErrStaleResult)
	_, err = sc.Stress()
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.NoError(t, g.Err(), "staleness is not escalated")
}

// TestComputeGroundState_Incremental verifies:
// GIVEN a converged context that computed energy only
// WHEN forces and then stress are requested
// THEN no new solve runs and only the newly requested quantity is computed.
func TestComputeGroundState_Incremental(t *testing.T) {
	eng := &fakeEngine{}
	rt, g := newTestRuntime(t, eng)
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()
	ctx := testContext(t)

	e1, err := sc.ComputeGroundState(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, StateConverged, sc.State())
	_, err = sc.Forces()
	assert.ErrorIs(t, err, ErrQuantityNotComputed)
	_, err = sc.Stress()
	assert.ErrorIs(t, err, ErrQuantityNotComputed)

	e2, err := sc.ComputeGroundState(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
	solves, forces, stress, _ := eng.counts()
	assert.Equal(t, 1, solves)
	assert.Equal(t, 1, forces)
	assert.Equal(t, 0, stress)

	_, err = sc.ComputeGroundState(ctx, true, true)
	require.NoError(t, err)
	solves, forces, stress, _ = eng.counts()
	assert.Equal(t, 1, solves)
	assert.Equal(t, 1, forces, "forces are cached")
	assert.Equal(t, 1, stress)

	f1, err := sc.Forces()
	require.NoError(t, err)
	f2, err := sc.Forces()
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	f1[0][0] = 99
	f3, _ := sc.Forces()
	assert.NotEqual(t, 99.0, f3[0][0], "callers get copies")

	energy, err := sc.Energy()
	require.NoError(t, err)
	assert.Equal(t, e1, energy)
	sol, err := sc.Solution()
	require.NoError(t, err)
	assert.True(t, sol.Converged)
	assert.Equal(t, 5, sol.Iterations)
}

func TestMutations_ConvergedToStale(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(sc *SimulationContext) error
	}{
		{"deform", func(sc *SimulationContext) error { return sc.DeformCell(Identity().Scale(1.002)) }},
		{"displace", func(sc *SimulationContext) error {
			return sc.UpdateAtomPositions([]Vec3{{0.01, 0, 0}, {0, 0, 0}})
		}},
		{"reconfigure", func(sc *SimulationContext) error {
			opts := DefaultOptions()
			opts.SmearingTemperature = 300
			return sc.Reconfigure(testContext(t), opts)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			rt, g := newTestRuntime(t, eng)
			sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
			defer sc.Close()

			_, err := sc.ComputeGroundState(testContext(t), true, true)
			require.NoError(t, err)

			require.NoError(t, tt.mutate(sc))
			assert.Equal(t, StateStale, sc.State())
			_, err = sc.Forces()
			assert.ErrorIs(t, err, ErrStaleResult)
			_, err = sc.Stress()
			assert.ErrorIs(t, err, ErrStaleResult)
			_, err = sc.Energy()
			assert.ErrorIs(t, err, ErrStaleResult)

			_, err = sc.ComputeGroundState(testContext(t), true, false)
			require.NoError(t, err)
			assert.Equal(t, StateConverged, sc.State())
			solves, _, _, _ := eng.counts()
			assert.Equal(t, 2, solves)
			_, err = sc.Stress()
			assert.ErrorIs(t, err, ErrQuantityNotComputed, "stress from the previous structure is gone")
		})
	}
}

func TestMutation_BeforeConvergenceStaysConfigured(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()

	require.NoError(t, sc.DeformCell(Identity().Scale(1.01)))
	assert.Equal(t, StateConfigured, sc.State())
	require.NoError(t, sc.UpdateAtomPositions(make([]Vec3, 2)))
	assert.Equal(t, StateConfigured, sc.State())
}

func TestDeformCell_PreservesFractionalCoordinates(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	s := pairStructure()
	s.Positions[1] = Vec3{2.5, 7.5, 1}
	sc := mustConstruct(t, rt, g, s, DefaultOptions())
	defer sc.Close()

	before, err := sc.FractionalPositions()
	require.NoError(t, err)
	shear := Mat3{{1, 0.05, 0}, {0, 1, 0}, {0.02, 0, 0.98}}
	require.NoError(t, sc.DeformCell(shear))
	after, err := sc.FractionalPositions()
	require.NoError(t, err)
	for i := range before {
		assert.InDeltaSlice(t, before[i][:], after[i][:], 1e-12)
	}

	cell, err := sc.Cell()
	require.NoError(t, err)
	want := CubicCell(10).Mul(shear.T())
	assert.Equal(t, want, cell)
}

func TestDeformCell_DegenerateRejected(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()
	_, err := sc.ComputeGroundState(testContext(t), true, false)
	require.NoError(t, err)

	flatten := Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 0}}
	err = sc.DeformCell(flatten)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Equal(t, StateConverged, sc.State(), "rejected deformation changes nothing")
	cell, _ := sc.Cell()
	assert.Equal(t, CubicCell(10), cell)
	_, err = sc.Forces()
	assert.NoError(t, err)
}

// TestNonFiniteGeometryRejected verifies:
// GIVEN a cell or a deformation carrying NaN or Inf entries
// WHEN a context is constructed on it or deformed by it
// THEN the call fails with ErrInvalidConfiguration and the structure is kept.
func TestNonFiniteGeometryRejected(t *testing.T) {
	t.Run("construct", func(t *testing.T) {
		for _, x := range []float64{nan(), inf()} {
			rt, g := newTestRuntime(t, &fakeEngine{})
			s := pairStructure()
			s.Cell[0][0] = x
			_, err := rt.NewSimulationContext(testContext(t), g, s, DefaultOptions())
			assert.ErrorIs(t, err, ErrInvalidConfiguration, "cell entry %v", x)
			assert.Equal(t, 0, rt.LiveContexts())
		}
	})

	t.Run("deform", func(t *testing.T) {
		rt, g := newTestRuntime(t, &fakeEngine{})
		sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
		defer sc.Close()
		_, err := sc.ComputeGroundState(testContext(t), true, false)
		require.NoError(t, err)

		for _, x := range []float64{nan(), inf()} {
			d := Identity()
			d[0][1] = x
			assert.ErrorIs(t, sc.DeformCell(d), ErrInvalidConfiguration, "deformation entry %v", x)
		}
		assert.Equal(t, StateConverged, sc.State())
		cell, err := sc.Cell()
		require.NoError(t, err)
		assert.Equal(t, CubicCell(10), cell)
		positions, err := sc.Positions()
		require.NoError(t, err)
		assert.Equal(t, pairStructure().Positions, positions)
	})
}

func TestUpdateAtomPositions_Wrapping(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	s := pairStructure()
	s.Periodic = [3]bool{true, true, false}
	s.Positions = []Vec3{{9, 1, 1}, {5, 5, 5}}
	sc := mustConstruct(t, rt, g, s, DefaultOptions())
	defer sc.Close()

	require.NoError(t, sc.UpdateAtomPositions([]Vec3{{2, -3, 0}, {0, 0, 12}}))
	got, err := sc.Positions()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 8, 1}, got[0][:], 1e-9)
	assert.InDeltaSlice(t, []float64{5, 5, 17}, got[1][:], 1e-9, "non-periodic axis is not wrapped")
}

func TestUpdateAtomPositions_Invalid(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()

	assert.ErrorIs(t, sc.UpdateAtomPositions(make([]Vec3, 3)), ErrInvalidConfiguration)
	assert.ErrorIs(t, sc.UpdateAtomPositions([]Vec3{{inf(), 0, 0}, {}}), ErrInvalidConfiguration)
	pos, _ := sc.Positions()
	assert.Equal(t, pairStructure().Positions, pos)
}

// TestConvergenceFailure_RetryAfterReconfigure verifies:
// GIVEN an iteration budget too small for the solve
// WHEN the ground state is computed
// THEN a ConvergenceError is returned, nothing is served, and a reconfigured
// retry succeeds.
func TestConvergenceFailure_RetryAfterReconfigure(t *testing.T) {
	eng := &fakeEngine{itersNeeded: 40}
	rt, g := newTestRuntime(t, eng)
	opts := DefaultOptions()
	opts.MaxSCFIterations = 10
	sc := mustConstruct(t, rt, g, pairStructure(), opts)
	defer sc.Close()

	_, err := sc.ComputeGroundState(testContext(t), true, true)
	require.ErrorIs(t, err, ErrConvergenceFailure)
	var ce *ConvergenceError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 10, ce.Iterations)
	assert.Equal(t, StateConfigured, sc.State())
	_, err = sc.Forces()
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.NoError(t, g.Err(), "convergence failure is recoverable")

	opts.MaxSCFIterations = 100
	require.NoError(t, sc.Reconfigure(testContext(t), opts))
	_, err = sc.ComputeGroundState(testContext(t), true, true)
	require.NoError(t, err)
	forces, err := sc.Forces()
	require.NoError(t, err)
	assert.Len(t, forces, 2)
}

func TestReconfigure_InvalidKeepsSolver(t *testing.T) {
	eng := &fakeEngine{}
	rt, g := newTestRuntime(t, eng)
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	defer sc.Close()
	_, err := sc.ComputeGroundState(testContext(t), false, false)
	require.NoError(t, err)

	bad := DefaultOptions()
	bad.MixingParameter = 0
	assert.ErrorIs(t, sc.Reconfigure(testContext(t), bad), ErrInvalidConfiguration)
	assert.Equal(t, StateConverged, sc.State())
	_, _, _, closes := eng.counts()
	assert.Equal(t, 0, closes)
}

// TestRelease_DoubleRelease verifies:
// GIVEN a released context
// WHEN Release is called again
// THEN ErrDoubleRelease is returned, the solver is not closed twice and the
// group is aborted.
func TestRelease_DoubleRelease(t *testing.T) {
	eng := &fakeEngine{}
	rt, g := newTestRuntime(t, eng)
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())

	require.NoError(t, sc.Release(testContext(t)))
	assert.Equal(t, StateReleased, sc.State())
	_, _, _, closes := eng.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, rt.LiveContexts())

	err := sc.Release(testContext(t))
	assert.ErrorIs(t, err, ErrDoubleRelease)
	_, _, _, closes = eng.counts()
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, g.Err(), comm.ErrAborted)
}

func TestRelease_CloseIsNoOpAfterRelease(t *testing.T) {
	eng := &fakeEngine{}
	rt, g := newTestRuntime(t, eng)
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())

	require.NoError(t, sc.Release(testContext(t)))
	assert.NoError(t, sc.Close())
	assert.NoError(t, sc.Close())
	_, _, _, closes := eng.counts()
	assert.Equal(t, 1, closes)
	assert.NoError(t, g.Err())
}

func TestRelease_AfterCloseIsDoubleRelease(t *testing.T) {
	rt, g := newTestRuntime(t, &fakeEngine{})
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
	require.NoError(t, sc.Close())
	assert.ErrorIs(t, sc.Release(testContext(t)), ErrDoubleRelease)
}

func TestUseAfterRelease(t *testing.T) {
	ops := map[string]func(sc *SimulationContext) error{
		"compute": func(sc *SimulationContext) error {
			_, err := sc.ComputeGroundState(testContext(t), false, false)
			return err
		},
		"forces": func(sc *SimulationContext) error { _, err := sc.Forces(); return err },
		"energy": func(sc *SimulationContext) error { _, err := sc.Energy(); return err },
		"deform": func(sc *SimulationContext) error { return sc.DeformCell(Identity()) },
		"displace": func(sc *SimulationContext) error {
			return sc.UpdateAtomPositions(make([]Vec3, 2))
		},
		"reconfigure": func(sc *SimulationContext) error { return sc.Reconfigure(testContext(t), DefaultOptions()) },
		"positions":   func(sc *SimulationContext) error { _, err := sc.Positions(); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			rt, g := newTestRuntime(t, &fakeEngine{})
			sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())
			require.NoError(t, sc.Release(testContext(t)))

			err := op(sc)
			assert.ErrorIs(t, err, ErrUseAfterRelease)
			assert.Equal(t, StateReleased, sc.State())
		})
	}
}

func TestWithSimulationContext_ReleasesOnEveryPath(t *testing.T) {
	boom := errors.New("driver failed")
	eng := &fakeEngine{}
	rt, g := newTestRuntime(t, eng)

	err := rt.WithSimulationContext(testContext(t), g, pairStructure(), DefaultOptions(), func(sc *SimulationContext) error {
		_, err := sc.ComputeGroundState(testContext(t), true, false)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, rt.LiveContexts())

	err = rt.WithSimulationContext(testContext(t), g, pairStructure(), DefaultOptions(), func(sc *SimulationContext) error {
		return sc.Release(testContext(t))
	})
	assert.NoError(t, err, "explicit release inside the scope is not a double release")

	_, _, _, closes := eng.counts()
	assert.Equal(t, 2, closes)
	assert.NoError(t, g.Err())
}

func TestTrace_RecordsTransitions(t *testing.T) {
	lt := trace.NewLifecycleTrace(trace.TraceLevelLifecycle)
	rt, g := newTestRuntime(t, &fakeEngine{}, WithTrace(lt))
	sc := mustConstruct(t, rt, g, pairStructure(), DefaultOptions())

	ctx := testContext(t)
	_, err := sc.ComputeGroundState(ctx, false, false)
	require.NoError(t, err)
	_, err = sc.ComputeGroundState(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, sc.DeformCell(Identity().Scale(1.002)))
	_, err = sc.ComputeGroundState(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, sc.Release(ctx))

	var got []string
	for _, r := range lt.ForContext(sc.ID()) {
		got = append(got, r.Op+":"+r.From+"→"+r.To)
	}
	assert.Equal(t, []string{
		"construct:unconfigured→configured",
		"compute:configured→converged",
		"deform:converged→stale",
		"compute:stale→converged",
		"release:converged→released",
	}, got)

	summary := trace.Summarize(lt)
	assert.Equal(t, 3, summary.Solves)
	assert.Equal(t, 1, summary.CachedSolves)
}
