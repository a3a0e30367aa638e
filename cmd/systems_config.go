package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/groundstate-sim/groundstate-sim/sim"
	"github.com/groundstate-sim/groundstate-sim/sim/cluster"
	"github.com/groundstate-sim/groundstate-sim/sim/engine"
)

// SystemsFile is the top-level structure of a systems YAML file.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type SystemsFile struct {
	Version string         `yaml:"version"`
	Systems []SystemConfig `yaml:"systems"`
}

// SystemConfig describes one job. A system either names a preset, whose
// structure and options it may then override, or spells out its structure.
type SystemConfig struct {
	Name          string         `yaml:"name"`
	Preset        string         `yaml:"preset"`
	Cell          *[3][3]float64 `yaml:"cell"`       // rows are lattice vectors, Bohr
	Positions     [][3]float64   `yaml:"positions"`  // Bohr, or lattice coordinates with fractional
	Fractional    bool           `yaml:"fractional"` // positions are given in lattice coordinates
	AtomicNumbers []int          `yaml:"atomic_numbers"`
	Species       []string       `yaml:"species"` // alternative to atomic_numbers
	Periodic      *[3]bool       `yaml:"periodic"`
	Options       OptionsConfig  `yaml:"options"`
	Forces        bool           `yaml:"forces"`
	Stress        bool           `yaml:"stress"`
	Steps         []StepConfig   `yaml:"steps"`
}

// OptionsConfig overrides solver options. Unset fields keep the preset's
// value, or the defaults when no preset is named.
type OptionsConfig struct {
	UseGPU                *bool    `yaml:"use_gpu"`
	SpinPolarized         *bool    `yaml:"spin_polarized"`
	StartingMagnetization *float64 `yaml:"starting_magnetization"`
	SmearingTemperature   *float64 `yaml:"smearing_temperature"`
	KPointGrid            *[3]int  `yaml:"kpoint_grid"`
	KPointShift           *[3]bool `yaml:"kpoint_shift"`
	KPointPools           *int     `yaml:"kpoint_pools"`
	MeshSize              *float64 `yaml:"mesh_size"`
	BasisOrder            *int     `yaml:"basis_order"`
	MaxSCFIterations      *int     `yaml:"max_scf_iterations"`
	SCFTolerance          *float64 `yaml:"scf_tolerance"`
	MixingParameter       *float64 `yaml:"mixing_parameter"`
}

// StepConfig is one mutation applied after a solve. Exactly one of Deform
// and Displace must be set.
type StepConfig struct {
	Deform   *[3][3]float64 `yaml:"deform"`
	Displace [][3]float64   `yaml:"displace"`
}

// loadSystemsFile parses a systems file with strict field checking.
func loadSystemsFile(path string) (*SystemsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading systems file: %w", err)
	}
	return parseSystemsFile(data)
}

func parseSystemsFile(data []byte) (*SystemsFile, error) {
	var f SystemsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing systems YAML: %w", err)
	}
	if len(f.Systems) == 0 {
		return nil, fmt.Errorf("systems file lists no systems")
	}
	return &f, nil
}

// Jobs converts every system into a cluster job.
func (f *SystemsFile) Jobs() ([]cluster.Job, error) {
	jobs := make([]cluster.Job, 0, len(f.Systems))
	for i, sc := range f.Systems {
		job, err := sc.Job()
		if err != nil {
			return nil, fmt.Errorf("system %d (%s): %w", i, sc.Name, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// validateJobs checks each job's structure, and its options against the
// size of the partition that will run it.
func validateJobs(jobs []cluster.Job, sizes []int) error {
	for i, job := range jobs {
		if err := job.Structure.Validate(); err != nil {
			return fmt.Errorf("system %d (%s): %w", i, job.Name, err)
		}
		if err := job.Options.Validate(job.Structure, sizes[i]); err != nil {
			return fmt.Errorf("system %d (%s) on %d ranks: %w", i, job.Name, sizes[i], err)
		}
	}
	return nil
}

// Job builds the cluster job this system describes.
func (sc SystemConfig) Job() (cluster.Job, error) {
	sys := sim.System{Name: sc.Name, Options: sim.DefaultOptions()}
	if sc.Preset != "" {
		p, err := sim.Preset(sc.Preset)
		if err != nil {
			return cluster.Job{}, err
		}
		sys = p
		if sc.Name != "" {
			sys.Name = sc.Name
		}
	}
	if sys.Name == "" {
		return cluster.Job{}, fmt.Errorf("system needs a name or a preset")
	}

	if err := sc.applyStructure(&sys.Structure); err != nil {
		return cluster.Job{}, err
	}
	sc.Options.apply(&sys.Options)

	job := cluster.Job{
		Name:       sys.Name,
		Structure:  sys.Structure,
		Options:    sys.Options,
		WantForces: sc.Forces,
		WantStress: sc.Stress,
	}
	for i, st := range sc.Steps {
		step, err := st.step()
		if err != nil {
			return cluster.Job{}, fmt.Errorf("step %d: %w", i, err)
		}
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

func (sc SystemConfig) applyStructure(s *sim.Structure) error {
	if sc.Cell != nil {
		s.Cell = sim.Mat3(*sc.Cell)
	}
	if sc.Periodic != nil {
		s.Periodic = *sc.Periodic
	} else if sc.Preset == "" {
		s.Periodic = [3]bool{true, true, true}
	}

	if len(sc.AtomicNumbers) > 0 && len(sc.Species) > 0 {
		return fmt.Errorf("set atomic_numbers or species, not both")
	}
	if len(sc.Species) > 0 {
		zs := make([]int, len(sc.Species))
		for i, sym := range sc.Species {
			z, ok := engine.AtomicNumber(sym)
			if !ok {
				return fmt.Errorf("%w: unknown species %q", sim.ErrInvalidConfiguration, sym)
			}
			zs[i] = z
		}
		s.AtomicNumbers = zs
	} else if len(sc.AtomicNumbers) > 0 {
		s.AtomicNumbers = append([]int(nil), sc.AtomicNumbers...)
	}

	if len(sc.Positions) > 0 {
		s.Positions = make([]sim.Vec3, len(sc.Positions))
		for i, p := range sc.Positions {
			v := sim.Vec3(p)
			if sc.Fractional {
				v = v.MulMat(s.Cell)
			}
			s.Positions[i] = v
		}
	} else if sc.Fractional {
		return fmt.Errorf("fractional set without positions")
	}
	return nil
}

func (o OptionsConfig) apply(opts *sim.Options) {
	if o.UseGPU != nil {
		opts.UseGPU = *o.UseGPU
	}
	if o.SpinPolarized != nil {
		opts.SpinPolarized = *o.SpinPolarized
	}
	if o.StartingMagnetization != nil {
		opts.StartingMagnetization = *o.StartingMagnetization
	}
	if o.SmearingTemperature != nil {
		opts.SmearingTemperature = *o.SmearingTemperature
	}
	if o.KPointGrid != nil {
		opts.KPointGrid = *o.KPointGrid
	}
	if o.KPointShift != nil {
		opts.KPointShift = *o.KPointShift
	}
	if o.KPointPools != nil {
		opts.KPointPools = *o.KPointPools
	}
	if o.MeshSize != nil {
		opts.MeshSize = *o.MeshSize
	}
	if o.BasisOrder != nil {
		opts.BasisOrder = *o.BasisOrder
	}
	if o.MaxSCFIterations != nil {
		opts.MaxSCFIterations = *o.MaxSCFIterations
	}
	if o.SCFTolerance != nil {
		opts.SCFTolerance = *o.SCFTolerance
	}
	if o.MixingParameter != nil {
		opts.MixingParameter = *o.MixingParameter
	}
}

func (st StepConfig) step() (cluster.Step, error) {
	switch {
	case st.Deform != nil && st.Displace != nil:
		return cluster.Step{}, fmt.Errorf("set deform or displace, not both")
	case st.Deform != nil:
		return cluster.Step{Kind: cluster.StepDeform, Deformation: sim.Mat3(*st.Deform)}, nil
	case st.Displace != nil:
		d := make([]sim.Vec3, len(st.Displace))
		for i, v := range st.Displace {
			d[i] = sim.Vec3(v)
		}
		return cluster.Step{Kind: cluster.StepDisplace, Displacements: d}, nil
	}
	return cluster.Step{}, fmt.Errorf("step has neither deform nor displace")
}

// presetJobs builds one job per named preset.
func presetJobs(names []string, forces, stress bool) ([]cluster.Job, error) {
	jobs := make([]cluster.Job, 0, len(names))
	for _, name := range names {
		sys, err := sim.Preset(name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, cluster.Job{
			Name:       sys.Name,
			Structure:  sys.Structure,
			Options:    sys.Options,
			WantForces: forces,
			WantStress: stress,
		})
	}
	return jobs, nil
}
