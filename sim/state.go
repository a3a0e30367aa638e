package sim

// State is the lifecycle state of a SimulationContext.
//
//	Unconfigured → Configured → Converged ⇄ Stale → Released
//
// Derived results are served only in StateConverged.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateConverged    State = "converged"
	StateStale        State = "stale"
	StateReleased     State = "released"
)

// servesResults reports whether cached energy, forces and stress are valid.
func (s State) servesResults() bool {
	return s == StateConverged
}

// afterMutation returns the state a structural change leads to. A context
// that never converged stays Configured.
func (s State) afterMutation() State {
	if s == StateConverged {
		return StateStale
	}
	return s
}
