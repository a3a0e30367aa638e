package sim

import (
	"fmt"
	"sort"
)

// System is a named structure with the options it is meant to run with.
type System struct {
	Name        string
	Description string
	Structure   Structure
	Options     Options
}

// b2Sites are the fractional positions of a 2×2×2 supercell of a
// body-centred cubic lattice, corner sites first in each pair.
var b2Sites = []Vec3{
	{0, 0, 0}, {0.25, 0.25, 0.25},
	{0, 0, 0.5}, {0.25, 0.25, 0.75},
	{0, 0.5, 0}, {0.25, 0.75, 0.25},
	{0, 0.5, 0.5}, {0.25, 0.75, 0.75},
	{0.5, 0, 0}, {0.75, 0.25, 0.25},
	{0.5, 0, 0.5}, {0.75, 0.25, 0.75},
	{0.5, 0.5, 0}, {0.75, 0.75, 0.25},
	{0.5, 0.5, 0.5}, {0.75, 0.75, 0.75},
}

// bccSupercell places two species alternately on the b2Sites of a cubic cell
// with edge a (Bohr).
func bccSupercell(a float64, corner, center int) Structure {
	s := Structure{
		Cell:     CubicCell(a),
		Periodic: [3]bool{true, true, true},
	}
	for i, f := range b2Sites {
		s.Positions = append(s.Positions, f.Scale(a))
		if i%2 == 0 {
			s.AtomicNumbers = append(s.AtomicNumbers, corner)
		} else {
			s.AtomicNumbers = append(s.AtomicNumbers, center)
		}
	}
	return s
}

var presets = map[string]func() System{
	"alni-b2": func() System {
		return System{
			Name:        "alni-b2",
			Description: "B2 AlNi, 16 atoms, cubic periodic cell",
			Structure:   bccSupercell(10.9146877116, 13, 28),
			Options:     DefaultOptions(),
		}
	},
	"fe-bcc": func() System {
		opts := DefaultOptions()
		opts.SpinPolarized = true
		opts.StartingMagnetization = 0.1
		return System{
			Name:        "fe-bcc",
			Description: "BCC Fe, 16 atoms, spin polarized",
			Structure:   bccSupercell(10.73572298, 26, 26),
			Options:     opts,
		}
	},
}

// Preset returns a built-in system by name.
func Preset(name string) (System, error) {
	fn, ok := presets[name]
	if !ok {
		return System{}, fmt.Errorf("unknown preset %q (available: %v)", name, PresetNames())
	}
	return fn(), nil
}

// PresetNames returns the built-in system names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
