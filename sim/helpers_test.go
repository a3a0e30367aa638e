package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestRuntime returns an initialized single-rank runtime and its group.
func newTestRuntime(t *testing.T, eng Engine, opts ...RuntimeOption) (*Runtime, comm.Group) {
	t.Helper()
	rt := NewRuntime(append([]RuntimeOption{WithEngine(eng), WithThreads(2)}, opts...)...)
	g := comm.Self()
	require.NoError(t, rt.Init(testContext(t), g))
	return rt, g
}

// pairStructure is two atoms in a periodic cubic cell of edge 10 Bohr.
func pairStructure() Structure {
	return Structure{
		Cell:          CubicCell(10),
		Positions:     []Vec3{{0, 0, 0}, {5, 5, 5}},
		AtomicNumbers: []int{13, 28},
		Periodic:      [3]bool{true, true, true},
	}
}

func mustConstruct(t *testing.T, rt *Runtime, g comm.Group, s Structure, opts Options) *SimulationContext {
	t.Helper()
	sc, err := rt.NewSimulationContext(testContext(t), g, s, opts)
	require.NoError(t, err)
	require.Equal(t, StateConfigured, sc.State())
	return sc
}

func inf() float64 { return math.Inf(1) }

func nan() float64 { return math.NaN() }
