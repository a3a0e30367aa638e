// Package testutil provides shared test infrastructure for the simulator.
// It consolidates golden dataset types, assertion helpers and multi-rank
// drivers used across sim/engine/ and sim/cluster/ test packages.
package testutil

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// GoldenDataset represents the structure of testdata/goldendataset.json.
type GoldenDataset struct {
	Tests []GoldenTestCase `json:"tests"`
}

// GoldenTestCase is one preset run with the options that differ from the
// preset's own.
type GoldenTestCase struct {
	System              string        `json:"system"`
	KPointGrid          [3]int        `json:"kgrid"`
	KPointShift         [3]bool       `json:"kshift"`
	SmearingTemperature float64       `json:"smearing_temperature"`
	Strain              float64       `json:"strain"` // isotropic scale applied before the solve
	Metrics             GoldenMetrics `json:"metrics"`
}

// GoldenMetrics represents the expected results of a golden test case.
type GoldenMetrics struct {
	FreeEnergy     float64 `json:"free_energy"`
	InternalEnergy float64 `json:"internal_energy"`
	Magnetization  float64 `json:"magnetization"`
	SCFIterations  int     `json:"scf_iterations"`
}

// LoadGoldenDataset loads the golden dataset from the testdata directory.
// The path is resolved relative to this source file: sim/internal/testutil/ → testdata/.
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	// Navigate from sim/internal/testutil/ to repo root testdata/
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "goldendataset.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse golden dataset: %v", err)
	}

	return &dataset
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertFloat64Near compares two float64 values with absolute tolerance.
func AssertFloat64Near(t *testing.T, name string, want, got, absTol float64) {
	t.Helper()
	if math.Abs(want-got) > absTol {
		t.Errorf("%s: got %v, want %v (diff=%v > %v)", name, got, want, math.Abs(want-got), absTol)
	}
}
