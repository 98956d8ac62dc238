// Package affine provides the 2x3 affine matrix used for pixel transforms.
package affine

import (
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

// Matrix is a 2D affine transformation in row-major order:
//
//	| a  b  c |
//	| d  e  f |
//
// x' = a*x + b*y + c
// y' = d*x + e*y + f
type Matrix struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity transformation.
func Identity() Matrix {
	return Matrix{A: 1, E: 1}
}

// Translate creates a translation matrix.
func Translate(x, y float64) Matrix {
	return Matrix{A: 1, C: x, E: 1, F: y}
}

// Scale creates a scaling matrix.
func Scale(x, y float64) Matrix {
	return Matrix{A: x, E: y}
}

// Rotate creates a rotation matrix (angle in radians, counter-clockwise
// for a y-up frame).
func Rotate(angle float64) Matrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return Matrix{
		A: cos, B: -sin,
		D: sin, E: cos,
	}
}

// Multiply returns m * other, i.e. other is applied first.
func (m Matrix) Multiply(other Matrix) Matrix {
	return Matrix{
		A: m.A*other.A + m.B*other.D,
		B: m.A*other.B + m.B*other.E,
		C: m.A*other.C + m.B*other.F + m.C,
		D: m.D*other.A + m.E*other.D,
		E: m.D*other.B + m.E*other.E,
		F: m.D*other.C + m.E*other.F + m.F,
	}
}

// Compose multiplies the matrices left to right, so the last one is
// applied first.
func Compose(ms ...Matrix) Matrix {
	out := Identity()
	for _, m := range ms {
		out = out.Multiply(m)
	}
	return out
}

// TransformPoint applies the transformation to (x, y).
func (m Matrix) TransformPoint(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.C, m.D*x + m.E*y + m.F
}

// Determinant returns the determinant of the linear part.
func (m Matrix) Determinant() float64 {
	return m.A*m.E - m.B*m.D
}

// Invert returns the inverse matrix. ok is false for singular matrices.
func (m Matrix) Invert() (Matrix, bool) {
	det := m.Determinant()
	if det == 0 || math.IsNaN(det) {
		return Identity(), false
	}
	inv := 1 / det
	return Matrix{
		A: m.E * inv,
		B: -m.B * inv,
		C: (m.B*m.F - m.E*m.C) * inv,
		D: -m.D * inv,
		E: m.A * inv,
		F: (m.D*m.C - m.A*m.F) * inv,
	}, true
}

// IsIdentity reports whether m is the identity within eps.
func (m Matrix) IsIdentity(eps float64) bool {
	return m.ApproxEqual(Identity(), eps)
}

// ApproxEqual compares two matrices component-wise.
func (m Matrix) ApproxEqual(o Matrix, eps float64) bool {
	a := m.Array()
	b := o.Array()
	for i := range a {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

// Array returns the six coefficients in a, b, c, d, e, f order.
func (m Matrix) Array() [6]float64 {
	return [6]float64{m.A, m.B, m.C, m.D, m.E, m.F}
}

// Aff3 converts m for use with golang.org/x/image/draw transformers.
func (m Matrix) Aff3() f64.Aff3 {
	return f64.Aff3(m.Array())
}

// MarshalJSON encodes the matrix as a six element array.
func (m Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Array())
}

// UnmarshalJSON decodes a six element array.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 6 {
		return fmt.Errorf("affine: expected 6 coefficients, got %d", len(arr))
	}
	*m = Matrix{A: arr[0], B: arr[1], C: arr[2], D: arr[3], E: arr[4], F: arr[5]}
	return nil
}

func (m Matrix) String() string {
	return fmt.Sprintf("[%g %g %g; %g %g %g]", m.A, m.B, m.C, m.D, m.E, m.F)
}
