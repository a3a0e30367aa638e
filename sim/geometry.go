package sim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a Cartesian 3-vector in Bohr (or Ha/Bohr for forces).
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v[0] * f, v[1] * f, v[2] * f}
}
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }
func (v Vec3) Norm() float64      { return math.Sqrt(v.Dot(v)) }

// MulMat returns the row vector v·m.
func (v Vec3) MulMat(m Mat3) Vec3 {
	var out Vec3
	for j := 0; j < 3; j++ {
		out[j] = v[0]*m[0][j] + v[1]*m[1][j] + v[2]*m[2][j]
	}
	return out
}

// Mat3 is a 3×3 matrix. As a cell, rows are the lattice vectors.
type Mat3 [3][3]float64

// Identity returns the 3×3 identity.
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// CubicCell returns a cubic cell with edge length a.
func CubicCell(a float64) Mat3 {
	return Identity().Scale(a)
}

func (m Mat3) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func fromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

func (m Mat3) Row(i int) Vec3 { return Vec3(m[i]) }

func (m Mat3) Det() float64 {
	return mat.Det(m.dense())
}

// Volume is |det m|.
func (m Mat3) Volume() float64 {
	return math.Abs(m.Det())
}

func (m Mat3) T() Mat3 {
	return fromDense(m.dense().T())
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var out mat.Dense
	out.Mul(m.dense(), o.dense())
	return fromDense(&out)
}

func (m Mat3) Add(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][j] + o[i][j]
		}
	}
	return out
}

func (m Mat3) Scale(f float64) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][j] * f
		}
	}
	return out
}

// Inverse fails for a singular matrix.
func (m Mat3) Inverse() (Mat3, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.dense()); err != nil {
		return Mat3{}, fmt.Errorf("invert cell: %w", err)
	}
	return fromDense(&inv), nil
}

// degeneracyTolerance bounds |det A| relative to the product of the lattice
// vector lengths. Below it the lattice vectors are treated as coplanar.
const degeneracyTolerance = 1e-10

// IsFinite reports whether every entry of m is a finite number.
func (m Mat3) IsFinite() bool {
	for _, row := range m {
		for _, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// IsDegenerate reports whether the rows of m fail to span a volume. A matrix
// with non-finite entries is degenerate.
func (m Mat3) IsDegenerate() bool {
	if !m.IsFinite() {
		return true
	}
	scale := m.Row(0).Norm() * m.Row(1).Norm() * m.Row(2).Norm()
	if scale == 0 {
		return true
	}
	return !(m.Volume() > degeneracyTolerance*scale)
}

// wrapUnit maps x into [0,1).
func wrapUnit(x float64) float64 {
	x -= math.Floor(x)
	if x >= 1 {
		x = 0
	}
	return x
}
