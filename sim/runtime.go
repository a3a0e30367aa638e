package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

type runtimePhase int

const (
	phaseFresh runtimePhase = iota
	phaseInitialized
	phaseFinalized
)

func (p runtimePhase) String() string {
	switch p {
	case phaseFresh:
		return "uninitialized"
	case phaseInitialized:
		return "initialized"
	case phaseFinalized:
		return "finalized"
	}
	return "unknown"
}

// Runtime is the per-rank state shared by every SimulationContext the rank
// owns: the engine, the thread budget for compute backends, metrics and the
// live-context registry. Every rank creates its own Runtime and brackets all
// context activity between Init and Finalize.
type Runtime struct {
	engine  Engine
	metrics *Metrics
	threads int
	trace   *trace.LifecycleTrace

	mu    sync.Mutex
	phase runtimePhase
	group comm.Group
	live  map[string]*SimulationContext
	bound map[string]string // group ID → context ID
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithEngine sets the engine contexts use unless they override it.
func WithEngine(e Engine) RuntimeOption {
	return func(rt *Runtime) { rt.engine = e }
}

// WithMetrics shares m with other runtimes instead of private collectors.
func WithMetrics(m *Metrics) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithThreads sets the worker count of each context's CPU backend.
func WithThreads(n int) RuntimeOption {
	return func(rt *Runtime) { rt.threads = n }
}

// WithTrace records every context's transitions into lt.
func WithTrace(lt *trace.LifecycleTrace) RuntimeOption {
	return func(rt *Runtime) { rt.trace = lt }
}

// NewRuntime creates an uninitialized runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		threads: runtime.NumCPU(),
		live:    make(map[string]*SimulationContext),
		bound:   make(map[string]string),
	}
	if NewDefaultEngine != nil {
		rt.engine = NewDefaultEngine()
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.metrics == nil {
		rt.metrics = NewMetrics(nil)
	}
	if rt.threads < 1 {
		rt.threads = 1
	}
	return rt
}

// Init opens the runtime bracket. It is collective over group, which becomes
// the runtime's outer group, and may be called exactly once.
func (rt *Runtime) Init(ctx context.Context, group comm.Group) error {
	const op = "init"
	if group == nil {
		return &OpError{Op: op, Err: fmt.Errorf("%w: nil group", ErrRuntimeLifecycle)}
	}

	rt.mu.Lock()
	if rt.phase != phaseFresh {
		phase := rt.phase
		rt.mu.Unlock()
		return rt.escalate(group, &OpError{Op: op, Err: fmt.Errorf("%w: init on %s runtime", ErrRuntimeLifecycle, phase)})
	}
	rt.phase = phaseInitialized
	rt.group = group
	rt.mu.Unlock()

	if err := group.Barrier(ctx); err != nil {
		rt.mu.Lock()
		rt.phase = phaseFresh
		rt.group = nil
		rt.mu.Unlock()
		return &OpError{Op: op, Err: err}
	}
	logrus.Debugf("runtime initialized on group %s rank %d/%d (%d threads)", group.ID(), group.Rank(), group.Size(), rt.threads)
	return nil
}

// Finalize closes the runtime bracket. It is collective over the group given
// to Init and requires every context of this rank to be released.
func (rt *Runtime) Finalize(ctx context.Context) error {
	const op = "finalize"

	rt.mu.Lock()
	group := rt.group
	switch rt.phase {
	case phaseFresh:
		rt.mu.Unlock()
		return rt.escalate(nil, &OpError{Op: op, Err: fmt.Errorf("%w: finalize without init", ErrRuntimeLifecycle)})
	case phaseFinalized:
		rt.mu.Unlock()
		return rt.escalate(nil, &OpError{Op: op, Err: fmt.Errorf("%w: finalize called twice", ErrRuntimeLifecycle)})
	}
	if len(rt.live) > 0 {
		ids := make([]string, 0, len(rt.live))
		for id := range rt.live {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rt.mu.Unlock()
		return rt.escalate(group, &OpError{Op: op, Err: fmt.Errorf("%w: %d contexts still live: %s",
			ErrRuntimeLifecycle, len(ids), strings.Join(ids, ", "))})
	}
	rt.phase = phaseFinalized
	rt.mu.Unlock()

	if err := group.Barrier(ctx); err != nil {
		return &OpError{Op: op, Err: err}
	}
	logrus.Debugf("runtime finalized on group %s rank %d", group.ID(), group.Rank())
	return nil
}

// Initialized reports whether the runtime is inside its bracket.
func (rt *Runtime) Initialized() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.phase == phaseInitialized
}

// LiveContexts returns the number of constructed, unreleased contexts.
func (rt *Runtime) LiveContexts() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.live)
}

func (rt *Runtime) Metrics() *Metrics {
	return rt.metrics
}

// reserve binds group to a context under construction.
func (rt *Runtime) reserve(group comm.Group) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.phase != phaseInitialized {
		return fmt.Errorf("%w: runtime is %s", ErrRuntimeNotInitialized, rt.phase)
	}
	if owner, ok := rt.bound[group.ID()]; ok {
		if owner == "" {
			owner = "(constructing)"
		}
		return fmt.Errorf("%w: group %s is bound to context %s", ErrGroupInUse, group.ID(), owner)
	}
	rt.bound[group.ID()] = ""
	return nil
}

func (rt *Runtime) unreserve(group comm.Group) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.bound[group.ID()] == "" {
		delete(rt.bound, group.ID())
	}
}

func (rt *Runtime) register(sc *SimulationContext) {
	rt.mu.Lock()
	rt.live[sc.id] = sc
	rt.bound[sc.group.ID()] = sc.id
	rt.mu.Unlock()
	rt.metrics.ContextsConstructed.Inc()
	rt.metrics.ContextsLive.Inc()
}

func (rt *Runtime) unregister(sc *SimulationContext) {
	rt.mu.Lock()
	_, ok := rt.live[sc.id]
	delete(rt.live, sc.id)
	if rt.bound[sc.group.ID()] == sc.id {
		delete(rt.bound, sc.group.ID())
	}
	rt.mu.Unlock()
	if ok {
		rt.metrics.ContextsLive.Dec()
	}
}

// escalate logs a contract violation and aborts group, so peers blocked in a
// collective fail instead of waiting for this rank. Returns err.
func (rt *Runtime) escalate(group comm.Group, err error) error {
	kind := violationKind(err)
	rt.metrics.Violations.WithLabelValues(kind).Inc()
	if group == nil {
		logrus.Errorf("contract violation (%s): %v", kind, err)
		return err
	}
	logrus.Errorf("contract violation (%s) on group %s rank %d, aborting group: %v", kind, group.ID(), group.Rank(), err)
	group.Abort(err)
	return err
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, ErrDoubleRelease):
		return "double_release"
	case errors.Is(err, ErrUseAfterRelease):
		return "use_after_release"
	case errors.Is(err, ErrRuntimeNotInitialized):
		return "runtime_not_initialized"
	case errors.Is(err, ErrRuntimeLifecycle):
		return "runtime_lifecycle"
	case errors.Is(err, ErrCollectiveMismatch):
		return "collective_mismatch"
	}
	return "other"
}
