package trace

// TraceSummary aggregates statistics from a LifecycleTrace.
type TraceSummary struct {
	Contexts       int
	Transitions    int
	Solves         int
	CachedSolves   int
	FailedSolves   int
	MeanIterations float64
	MaxIterations  int
	OpDistribution map[string]int // op name → count of transitions it caused
}

// Summarize computes aggregate statistics from a LifecycleTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(lt *LifecycleTrace) *TraceSummary {
	summary := &TraceSummary{
		OpDistribution: make(map[string]int),
	}
	if lt == nil {
		return summary
	}

	contexts := make(map[string]bool)
	transitions := lt.Transitions()
	summary.Transitions = len(transitions)
	for _, r := range transitions {
		contexts[r.ContextID] = true
		summary.OpDistribution[r.Op]++
	}
	summary.Contexts = len(contexts)

	solved := 0
	totalIterations := 0
	for _, s := range lt.Solves() {
		summary.Solves++
		switch {
		case s.Err != "":
			summary.FailedSolves++
		case s.Cached:
			summary.CachedSolves++
		default:
			solved++
			totalIterations += s.Iterations
			if s.Iterations > summary.MaxIterations {
				summary.MaxIterations = s.Iterations
			}
		}
	}
	if solved > 0 {
		summary.MeanIterations = float64(totalIterations) / float64(solved)
	}

	return summary
}
