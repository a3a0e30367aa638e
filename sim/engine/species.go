package engine

import (
	"fmt"
	"math"

	"github.com/groundstate-sim/groundstate-sim/sim"
)

// species holds the per-element model parameters (Hartree, Bohr).
type species struct {
	Symbol   string
	Depth    float64 // Morse well depth D
	Width    float64 // Morse stiffness a, 1/Bohr
	Distance float64 // Morse equilibrium distance r0
	Exchange float64 // mean-field spin coupling J
}

var speciesTable = map[int]species{
	1:  {"H", 0.17, 1.0, 1.4, 0},
	6:  {"C", 0.10, 1.0, 2.9, 0},
	7:  {"N", 0.20, 1.3, 2.1, 0},
	8:  {"O", 0.19, 1.2, 2.3, 0},
	13: {"Al", 0.020, 0.80, 5.0, 0},
	14: {"Si", 0.050, 0.80, 4.4, 0},
	26: {"Fe", 0.040, 0.95, 4.65, 0.005},
	27: {"Co", 0.040, 0.95, 4.7, 0.004},
	28: {"Ni", 0.035, 0.90, 4.6, 0.002},
	29: {"Cu", 0.030, 0.90, 4.8, 0},
}

// Symbol returns the element symbol for z, or "Z<z>" when the engine has no
// parameters for it.
func Symbol(z int) string {
	if sp, ok := speciesTable[z]; ok {
		return sp.Symbol
	}
	return fmt.Sprintf("Z%d", z)
}

// AtomicNumber returns the atomic number for a supported element symbol.
func AtomicNumber(symbol string) (int, bool) {
	for z, sp := range speciesTable {
		if sp.Symbol == symbol {
			return z, true
		}
	}
	return 0, false
}

func lookupSpecies(zs []int) ([]species, error) {
	out := make([]species, len(zs))
	for i, z := range zs {
		sp, ok := speciesTable[z]
		if !ok {
			return nil, fmt.Errorf("%w: reference engine has no parameters for atom %d (Z=%d)", sim.ErrInvalidConfiguration, i, z)
		}
		out[i] = sp
	}
	return out, nil
}

// morse is the mixed pair parameter set for one species pair.
type morse struct {
	depth, width, distance float64
}

func mix(a, b species) morse {
	return morse{
		depth:    math.Sqrt(a.Depth * b.Depth),
		width:    0.5 * (a.Width + b.Width),
		distance: 0.5 * (a.Distance + b.Distance),
	}
}
