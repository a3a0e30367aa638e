package trace

import "sync"

// TraceLevel controls the verbosity of lifecycle tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelLifecycle captures state transitions and solve outcomes.
	TraceLevelLifecycle TraceLevel = "lifecycle"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelLifecycle: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// LifecycleTrace collects records from any number of contexts. Ranks of
// different partitions may share one trace, so recording is synchronized.
type LifecycleTrace struct {
	Level TraceLevel

	mu          sync.Mutex
	transitions []TransitionRecord
	solves      []SolveRecord
}

// NewLifecycleTrace creates a LifecycleTrace ready for recording.
func NewLifecycleTrace(level TraceLevel) *LifecycleTrace {
	if level == "" {
		level = TraceLevelNone
	}
	return &LifecycleTrace{Level: level}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (lt *LifecycleTrace) Enabled() bool {
	return lt != nil && lt.Level == TraceLevelLifecycle
}

// RecordTransition appends a transition record. No-op when disabled.
func (lt *LifecycleTrace) RecordTransition(record TransitionRecord) {
	if !lt.Enabled() {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.transitions = append(lt.transitions, record)
}

// RecordSolve appends a solve record. No-op when disabled.
func (lt *LifecycleTrace) RecordSolve(record SolveRecord) {
	if !lt.Enabled() {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.solves = append(lt.solves, record)
}

// Transitions returns a copy of the transition records in recording order.
func (lt *LifecycleTrace) Transitions() []TransitionRecord {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return append([]TransitionRecord(nil), lt.transitions...)
}

// Solves returns a copy of the solve records in recording order.
func (lt *LifecycleTrace) Solves() []SolveRecord {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return append([]SolveRecord(nil), lt.solves...)
}

// ForContext returns the transitions of one context in recording order.
func (lt *LifecycleTrace) ForContext(contextID string) []TransitionRecord {
	var out []TransitionRecord
	for _, r := range lt.Transitions() {
		if r.ContextID == contextID {
			out = append(out, r)
		}
	}
	return out
}
