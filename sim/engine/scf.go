package engine

import (
	"math"

	"github.com/groundstate-sim/groundstate-sim/sim"
)

const (
	boltzmann      = 3.166811563e-6 // Ha/K
	minTemperature = 1e-4           // Ha
	transferScale  = 0.5
	transferEnergy = 0.01 // Ha per atom
)

// scfResult is the converged mean-field state, shared by all ranks.
type scfResult struct {
	transfer      float64 // q
	magnetization float64 // m per atom
	iterations    int
	residual      float64
	converged     bool
}

// runSCF iterates the coupled mean-field equations
//
//	q = ½·cos(q)
//	m = tanh(J·m / τ)          (spin polarized only)
//
// with linear mixing until both residuals drop below the tolerance.
func runSCF(opts sim.Options, exchange float64) scfResult {
	tau := math.Max(boltzmann*opts.SmearingTemperature, minTemperature)
	alpha := opts.MixingParameter

	q := 0.0
	m := 0.0
	if opts.SpinPolarized {
		m = 2 * opts.StartingMagnetization
	}

	res := scfResult{}
	for it := 1; it <= opts.MaxSCFIterations; it++ {
		qOut := transferScale * math.Cos(q)
		mOut := 0.0
		if opts.SpinPolarized {
			mOut = math.Tanh(exchange * m / tau)
		}
		residual := math.Max(math.Abs(qOut-q), math.Abs(mOut-m))
		q = (1-alpha)*q + alpha*qOut
		m = (1-alpha)*m + alpha*mOut

		res.iterations = it
		res.residual = residual
		if residual < opts.SCFTolerance {
			res.converged = true
			break
		}
	}
	res.transfer = q
	res.magnetization = m
	return res
}

// spinEntropy is the two-level mixing entropy per atom for magnetization m.
func spinEntropy(m float64) float64 {
	f := 0.5 * (1 + m)
	s := 0.0
	if f > 0 && f < 1 {
		s = -(f*math.Log(f) + (1-f)*math.Log(1-f))
	}
	return s
}
