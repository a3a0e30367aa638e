package trace

import (
	"sync"
	"testing"
)

func TestLifecycleTrace_RecordTransition_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for lifecycle records
	lt := NewLifecycleTrace(TraceLevelLifecycle)

	// WHEN a transition is recorded
	lt.RecordTransition(TransitionRecord{
		ContextID: "ctx-1",
		GroupID:   "world/0.0",
		Op:        "construct",
		From:      "unconfigured",
		To:        "configured",
	})

	// THEN the trace contains one record with correct data
	got := lt.Transitions()
	if len(got) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(got))
	}
	if got[0].To != "configured" {
		t.Errorf("expected To=configured, got %s", got[0].To)
	}
}

func TestLifecycleTrace_LevelNone_DropsRecords(t *testing.T) {
	// GIVEN a disabled trace
	lt := NewLifecycleTrace(TraceLevelNone)

	// WHEN records are added
	lt.RecordTransition(TransitionRecord{ContextID: "ctx-1", Op: "construct"})
	lt.RecordSolve(SolveRecord{ContextID: "ctx-1"})

	// THEN nothing is kept
	if len(lt.Transitions()) != 0 || len(lt.Solves()) != 0 {
		t.Error("expected no records at level none")
	}
}

func TestLifecycleTrace_NilSafe(t *testing.T) {
	var lt *LifecycleTrace
	lt.RecordTransition(TransitionRecord{ContextID: "ctx-1"})
	if lt.Enabled() {
		t.Error("nil trace must not be enabled")
	}
	if lt.Transitions() != nil {
		t.Error("nil trace must have no transitions")
	}
}

func TestLifecycleTrace_ForContext_PreservesOrder(t *testing.T) {
	// GIVEN records from two contexts interleaved
	lt := NewLifecycleTrace(TraceLevelLifecycle)
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "construct"})
	lt.RecordTransition(TransitionRecord{ContextID: "b", Op: "construct"})
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "compute"})
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "release"})

	// WHEN filtered by context
	got := lt.ForContext("a")

	// THEN only that context's records remain, in order
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Op != "construct" || got[1].Op != "compute" || got[2].Op != "release" {
		t.Errorf("order not preserved: %+v", got)
	}
}

func TestLifecycleTrace_ConcurrentRecording(t *testing.T) {
	lt := NewLifecycleTrace(TraceLevelLifecycle)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lt.RecordTransition(TransitionRecord{ContextID: "c", Op: "compute"})
			}
		}()
	}
	wg.Wait()
	if n := len(lt.Transitions()); n != 400 {
		t.Errorf("expected 400 transitions, got %d", n)
	}
}

func TestIsValidTraceLevel_ValidLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"none", true},
		{"lifecycle", true},
		{"", true}, // empty defaults to none
		{"decisions", false},
		{"LIFECYCLE", false}, // case-sensitive
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := IsValidTraceLevel(tt.level); got != tt.valid {
				t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tt.level, got, tt.valid)
			}
		})
	}
}
