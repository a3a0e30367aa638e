package trace

import "testing"

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	lt := NewLifecycleTrace(TraceLevelLifecycle)

	// WHEN summarized
	summary := Summarize(lt)

	// THEN all counts are zero
	if summary.Contexts != 0 || summary.Transitions != 0 || summary.Solves != 0 {
		t.Errorf("expected zero counts, got %+v", summary)
	}
	if summary.MeanIterations != 0 || summary.MaxIterations != 0 {
		t.Error("expected 0 iteration statistics")
	}
	if len(summary.OpDistribution) != 0 {
		t.Error("expected empty op distribution")
	}
}

func TestSummarize_NilTrace(t *testing.T) {
	summary := Summarize(nil)
	if summary == nil || summary.OpDistribution == nil {
		t.Fatal("expected non-nil summary with initialized map")
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN two contexts with mixed solve outcomes
	lt := NewLifecycleTrace(TraceLevelLifecycle)
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "construct"})
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "compute"})
	lt.RecordTransition(TransitionRecord{ContextID: "b", Op: "construct"})
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "deform"})
	lt.RecordTransition(TransitionRecord{ContextID: "a", Op: "compute"})
	lt.RecordSolve(SolveRecord{ContextID: "a", Iterations: 10, Converged: true})
	lt.RecordSolve(SolveRecord{ContextID: "a", Cached: true, Converged: true})
	lt.RecordSolve(SolveRecord{ContextID: "a", Iterations: 20, Converged: true})
	lt.RecordSolve(SolveRecord{ContextID: "b", Iterations: 100, Err: "did not converge"})

	// WHEN summarized
	summary := Summarize(lt)

	// THEN counts reflect the records
	if summary.Contexts != 2 {
		t.Errorf("expected 2 contexts, got %d", summary.Contexts)
	}
	if summary.Transitions != 5 {
		t.Errorf("expected 5 transitions, got %d", summary.Transitions)
	}
	if summary.OpDistribution["compute"] != 2 {
		t.Errorf("expected 2 compute transitions, got %d", summary.OpDistribution["compute"])
	}
	if summary.Solves != 4 || summary.CachedSolves != 1 || summary.FailedSolves != 1 {
		t.Errorf("unexpected solve counts: %+v", summary)
	}
	if summary.MeanIterations != 15 {
		t.Errorf("expected mean iterations 15, got %f", summary.MeanIterations)
	}
	if summary.MaxIterations != 20 {
		t.Errorf("expected max iterations 20, got %d", summary.MaxIterations)
	}
}
