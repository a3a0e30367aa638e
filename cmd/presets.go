package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/cluster"
	"github.com/groundstate-sim/groundstate-sim/sim/engine"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List built-in systems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPresets(cmd.OutOrStdout())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Parse and validate a systems file without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateSystems(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	validateCmd.Flags().Int("ranks", 0, "Validate against a world of this many ranks (0 = one rank per system)")
	validateCmd.Flags().String("layout", string(cluster.LayoutBlocks), "Partition layout to validate against")
}

func listPresets(w io.Writer) error {
	for _, name := range sim.PresetNames() {
		sys, err := sim.Preset(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-10s %s [%s]\n", sys.Name, sys.Description, composition(sys.Structure.AtomicNumbers))
	}
	return nil
}

// composition renders atom counts per species, e.g. "Al8 Ni8".
func composition(zs []int) string {
	counts := make(map[int]int)
	for _, z := range zs {
		counts[z]++
	}
	species := make([]int, 0, len(counts))
	for z := range counts {
		species = append(species, z)
	}
	sort.Ints(species)
	parts := make([]string, len(species))
	for i, z := range species {
		parts[i] = fmt.Sprintf("%s%d", engine.Symbol(z), counts[z])
	}
	return strings.Join(parts, " ")
}

func validateSystems(w io.Writer, path string) error {
	f, err := loadSystemsFile(path)
	if err != nil {
		return err
	}
	jobs, err := f.Jobs()
	if err != nil {
		return err
	}
	ranks := cfg.GetInt("ranks")
	if ranks == 0 {
		ranks = len(jobs)
	}
	sizes, err := cluster.Layout(cfg.GetString("layout")).PartitionSizes(ranks, len(jobs))
	if err != nil {
		return err
	}
	if err := validateJobs(jobs, sizes); err != nil {
		return err
	}
	for i, job := range jobs {
		fmt.Fprintf(w, "%-16s %3d atoms  %d ranks  %d steps  [%s]\n",
			job.Name, job.Structure.NumAtoms(), sizes[i], len(job.Steps), composition(job.Structure.AtomicNumbers))
	}
	fmt.Fprintf(w, "%s: %d systems OK\n", path, len(jobs))
	return nil
}
