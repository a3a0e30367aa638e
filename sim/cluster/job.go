package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/comm"
)

// StepKind identifies the mutation a Step applies between two solves.
type StepKind string

const (
	StepDeform   StepKind = "deform"
	StepDisplace StepKind = "displace"
)

// Step mutates a job's structure. The ground state is recomputed after it.
type Step struct {
	Kind          StepKind
	Deformation   sim.Mat3   // StepDeform
	Displacements []sim.Vec3 // StepDisplace, one per atom
}

// Job is one independent calculation, run by a single partition.
type Job struct {
	Name       string
	Structure  sim.Structure
	Options    sim.Options
	WantForces bool
	WantStress bool
	Steps      []Step

	// Engine overrides the runtime's default engine when set.
	Engine sim.Engine
}

// Result is what a partition reports for its job. Energies holds the free
// energy of the initial structure followed by one entry per completed step.
// Forces and Stress describe the last solved structure.
type Result struct {
	Job       string
	Partition int
	GroupID   string
	GroupSize int
	ContextID string

	Energies []float64
	Solution sim.Solution
	Forces   []sim.Vec3
	Stress   *sim.Mat3

	Err error
}

// Failed reports whether the job ended with an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

func (j Job) apply(sc *sim.SimulationContext, st Step) error {
	switch st.Kind {
	case StepDeform:
		return sc.DeformCell(st.Deformation)
	case StepDisplace:
		return sc.UpdateAtomPositions(st.Displacements)
	}
	return fmt.Errorf("job %s: unknown step kind %q", j.Name, st.Kind)
}

// run executes the job on rt within its partition. Errors end the job but
// are recorded in the result, not returned, so one partition failing leaves
// the others running.
func (j Job) run(ctx context.Context, rt *sim.Runtime, local comm.Group, res *Result) {
	res.Job = j.Name
	copts := []sim.ContextOption{sim.ContextLabel(j.Name)}
	if j.Engine != nil {
		copts = append(copts, sim.ContextEngine(j.Engine))
	}

	sc, err := rt.NewSimulationContext(ctx, local, j.Structure, j.Options, copts...)
	if err != nil {
		res.Err = err
		return
	}
	res.ContextID = sc.ID()
	defer func() {
		if cerr := sc.Close(); cerr != nil {
			res.Err = errors.Join(res.Err, cerr)
		}
	}()

	solve := func() bool {
		e, err := sc.ComputeGroundState(ctx, j.WantForces, j.WantStress)
		if err != nil {
			res.Err = err
			return false
		}
		res.Energies = append(res.Energies, e)
		return true
	}

	if !solve() {
		return
	}
	for i, st := range j.Steps {
		if err := j.apply(sc, st); err != nil {
			res.Err = fmt.Errorf("step %d: %w", i, err)
			return
		}
		if !solve() {
			return
		}
	}

	res.Err = j.collect(sc, res)
}

// collect copies the solution and the requested derived quantities of the
// last solve into res.
func (j Job) collect(sc *sim.SimulationContext, res *Result) error {
	sol, err := sc.Solution()
	if err != nil {
		return err
	}
	res.Solution = sol
	if j.WantForces {
		if res.Forces, err = sc.Forces(); err != nil {
			return err
		}
	}
	if j.WantStress {
		s, err := sc.Stress()
		if err != nil {
			return err
		}
		res.Stress = &s
	}
	return nil
}
