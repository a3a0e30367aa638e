package sim

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

// releaseGuard is a single-fire latch armed when a context is constructed.
// Whichever of Release or Close fires it first owns the release.
type releaseGuard struct {
	fired atomic.Bool
}

// fire reports whether this call won the latch.
func (g *releaseGuard) fire() bool {
	return g.fired.CompareAndSwap(false, true)
}

// Release frees the context's resources, unregisters it from the runtime and
// waits at a barrier for the rest of the group. A second Release fails with
// ErrDoubleRelease and aborts the group; it never frees anything twice.
func (sc *SimulationContext) Release(ctx context.Context) error {
	if !sc.guard.fire() {
		return sc.rt.escalate(sc.group, sc.opError("release", ErrDoubleRelease))
	}
	return sc.release(ctx)
}

// Close is the scope-exit form of Release: it releases the context unless
// Release already did, in which case it does nothing.
//
//	sc, err := rt.NewSimulationContext(ctx, g, s, opts)
//	if err != nil { ... }
//	defer sc.Close()
func (sc *SimulationContext) Close() error {
	if !sc.guard.fire() {
		return nil
	}
	return sc.release(context.Background())
}

func (sc *SimulationContext) release(ctx context.Context) error {
	const op = "release"
	closeErr := sc.closeSolver()
	sc.clearDerived()
	sc.rt.unregister(sc)
	sc.transition(op, StateReleased)

	// Resources are already returned, so a failed barrier only reports
	// that peers did not reach the release.
	barrierErr := sc.group.Barrier(ctx)
	if err := errors.Join(closeErr, barrierErr); err != nil {
		return &OpError{Op: op, ContextID: sc.id, State: StateReleased, Err: err}
	}
	sc.log.Debugf("context released")
	return nil
}

// WithSimulationContext constructs a context, passes it to fn and releases it
// exactly once however fn returns. fn may release the context itself.
func (rt *Runtime) WithSimulationContext(ctx context.Context, group comm.Group, s Structure, opts Options, fn func(*SimulationContext) error) (err error) {
	sc, err := rt.NewSimulationContext(ctx, group, s, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sc.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(sc)
}
