package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/groundstate-sim/groundstate-sim/sim/cluster"
	"github.com/groundstate-sim/groundstate-sim/sim/trace"
)

// printResults writes one block per partition, as reported by its rank 0.
func printResults(w io.Writer, results []cluster.Result, elapsed time.Duration) {
	fmt.Fprintln(w, "=== Ground-State Results ===")
	for _, res := range results {
		fmt.Fprintf(w, "\n[partition %d] %s (%d ranks, group %s)\n", res.Partition, res.Job, res.GroupSize, res.GroupID)
		for i, e := range res.Energies {
			label := "initial"
			if i > 0 {
				label = fmt.Sprintf("step %d", i)
			}
			fmt.Fprintf(w, "  Free energy (%-7s) : %.10f Ha\n", label, e)
		}
		if res.Failed() {
			fmt.Fprintf(w, "  FAILED               : %v\n", res.Err)
			continue
		}
		sol := res.Solution
		fmt.Fprintf(w, "  Internal energy      : %.10f Ha\n", sol.InternalEnergy)
		fmt.Fprintf(w, "  Entropy              : %.6e\n", sol.Entropy)
		fmt.Fprintf(w, "  Magnetization        : %.6f\n", sol.Magnetization)
		fmt.Fprintf(w, "  SCF iterations       : %d (residual %.3e)\n", sol.Iterations, sol.Residual)
		if res.Forces != nil {
			fmt.Fprintln(w, "  Forces (Ha/Bohr):")
			for i, f := range res.Forces {
				fmt.Fprintf(w, "    %4d  % .8e % .8e % .8e\n", i, f[0], f[1], f[2])
			}
		}
		if res.Stress != nil {
			fmt.Fprintln(w, "  Stress (Ha/Bohr^3):")
			for _, row := range res.Stress {
				fmt.Fprintf(w, "          % .8e % .8e % .8e\n", row[0], row[1], row[2])
			}
		}
	}
	fmt.Fprintf(w, "\nWall time: %s\n", elapsed.Round(time.Millisecond))
}

func printTraceSummary(w io.Writer, s *trace.TraceSummary) {
	fmt.Fprintln(w, "\n=== Lifecycle Trace ===")
	fmt.Fprintf(w, "Contexts      : %d\n", s.Contexts)
	fmt.Fprintf(w, "Transitions   : %d\n", s.Transitions)
	fmt.Fprintf(w, "Solves        : %d (cached %d, failed %d)\n", s.Solves, s.CachedSolves, s.FailedSolves)
	fmt.Fprintf(w, "SCF iterations: mean %.1f, max %d\n", s.MeanIterations, s.MaxIterations)
	ops := make([]string, 0, len(s.OpDistribution))
	for op := range s.OpDistribution {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(w, "  %-12s: %d\n", op, s.OpDistribution[op])
	}
}
