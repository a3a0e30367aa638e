// Package trace provides lifecycle-trace recording for simulation contexts.
// This package has no dependencies on sim/ or sim/cluster/; it stores pure data types.
package trace

// TransitionRecord captures one state change of a simulation context.
type TransitionRecord struct {
	ContextID string
	GroupID   string
	Rank      int
	Op        string
	From      string
	To        string
}

// SolveRecord captures the outcome of a single ground-state request.
type SolveRecord struct {
	ContextID  string
	Iterations int
	Residual   float64
	FreeEnergy float64
	Converged  bool
	Cached     bool   // served from the converged state without a new solve
	Err        string // empty on success
}
