package tensor

import "math/rand"

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

// Row returns the i-th row as a slice sharing the underlying storage.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Numel returns the number of elements the matrix stores.
func (m *Mat) Numel() int { return m.R * m.C }

// Clone returns a deep copy of the matrix.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	if m.Stride == m.C {
		copy(out.Data, m.Data[:m.R*m.C])
		return out
	}
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo-random values. A small
// range around zero is used to avoid overflow in accumulations. The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}
