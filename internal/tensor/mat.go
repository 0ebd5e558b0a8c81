package tensor

import (
	"math/rand/v2"
	"slices"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C). Data holds the flattened matrix values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised. The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row of the matrix as a slice. The slice
// has length equal to the number of columns. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone returns a compact deep copy of m.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := range m.R {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Transpose returns a new C x R matrix.
func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := range m.R {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// SelectRows returns a new matrix holding the given rows in order.
func (m *Mat) SelectRows(rows []int) Mat {
	out := NewMat(len(rows), m.C)
	for i, r := range rows {
		copy(out.Row(i), m.Row(r))
	}
	return out
}

// SelectCols returns a new matrix holding the given columns in order.
func (m *Mat) SelectCols(cols []int) Mat {
	out := NewMat(m.R, len(cols))
	for i := range m.R {
		src := m.Row(i)
		dst := out.Row(i)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out
}

// Equal reports whether a and b have the same shape and values.
func Equal(a, b *Mat) bool {
	if a.R != b.R || a.C != b.C {
		return false
	}
	for i := range a.R {
		if !slices.Equal(a.Row(i), b.Row(i)) {
			return false
		}
	}
	return true
}

// FillRand fills the matrix with reproducible pseudo-random values in
// (-scale, scale). Multiple calls with the same seed produce identical matrices.
func FillRand(m *Mat, seed uint64, scale float32) {
	FillRandSlice(m.Data, seed, scale)
}

// FillRandSlice is FillRand for a bare slice.
func FillRandSlice(dst []float32, seed uint64, scale float32) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range dst {
		dst[i] = (rng.Float32()*2 - 1) * scale
	}
}
