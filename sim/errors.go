package sim

import (
	"errors"
	"fmt"

	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

var (
	// ErrInvalidConfiguration indicates a structure or option set that cannot
	// be simulated. The context, if one exists, is left unchanged.
	ErrInvalidConfiguration = errors.New("sim: invalid configuration")

	// ErrConvergenceFailure indicates the ground-state solve stopped before
	// reaching its tolerance. Recoverable: reconfigure and retry.
	ErrConvergenceFailure = errors.New("sim: ground-state solve did not converge")

	// ErrStaleResult indicates a query against derived data that is not valid
	// for the current structure (never computed, or mutated since).
	ErrStaleResult = errors.New("sim: result is stale")

	// ErrQuantityNotComputed indicates a query for forces or stress that the
	// last successful compute did not request.
	ErrQuantityNotComputed = errors.New("sim: quantity not computed")

	ErrDoubleRelease         = errors.New("sim: context released twice")
	ErrUseAfterRelease       = errors.New("sim: context used after release")
	ErrRuntimeNotInitialized = errors.New("sim: runtime not initialized")
	ErrRuntimeLifecycle      = errors.New("sim: runtime lifecycle violation")

	// ErrGroupInUse indicates construction on a group that is already bound
	// to a live context.
	ErrGroupInUse = errors.New("sim: group already bound to a live context")

	// Re-exported so callers can test every lifecycle failure against sim.
	ErrCollectiveMismatch      = comm.ErrCollectiveMismatch
	ErrInvalidPartitionRequest = comm.ErrInvalidPartitionRequest
)

// OpError records a failed context operation.
type OpError struct {
	Op        string
	ContextID string
	State     State // state at the time of the call
	Err       error
}

func (e *OpError) Error() string {
	if e.ContextID == "" {
		return fmt.Sprintf("sim: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sim: %s on context %s (%s): %v", e.Op, e.ContextID, e.State, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ConvergenceError describes a solve that exhausted its iteration budget.
type ConvergenceError struct {
	Iterations int
	Residual   float64
	Tolerance  float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("sim: ground-state solve did not converge after %d iterations (residual %.3e > tolerance %.3e)",
		e.Iterations, e.Residual, e.Tolerance)
}

func (e *ConvergenceError) Unwrap() error {
	return ErrConvergenceFailure
}

// isContractViolation reports whether err is a programming error that must
// take the bound group down rather than be handled locally.
func isContractViolation(err error) bool {
	return errors.Is(err, ErrDoubleRelease) ||
		errors.Is(err, ErrUseAfterRelease) ||
		errors.Is(err, ErrRuntimeNotInitialized) ||
		errors.Is(err, ErrRuntimeLifecycle) ||
		errors.Is(err, ErrCollectiveMismatch)
}
