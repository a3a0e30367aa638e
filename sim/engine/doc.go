// Package engine is the reference sim.Engine.
//
// The model is deliberately small so every derivative can be checked by
// finite differences:
//
//   - a tapered Morse pair potential with per-species parameters, summed over
//     periodic images within a fixed cutoff
//   - a band term proportional to ρ^(1/3), sampled on a Monkhorst-Pack grid
//     and distributed over k-point pools
//   - a self-consistent mean-field loop for a charge-transfer variable and,
//     when spin polarized, the magnetization
//
// Atoms are distributed round-robin over the group and partial sums are
// combined with AllreduceSum. Importing the package registers the engine as
// sim.NewDefaultEngine.
package engine
