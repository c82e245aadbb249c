package tensor

import (
	"math"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; every constructor in
// this package sets it to C. Data holds the flattened values.
//
// A batch of sequences is carried as a single Mat whose rows are the tokens
// of every sequence laid out back to back; RowsView slices one sequence out
// without copying.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero initialised matrix with the given shape.
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

// NewMatFromData wraps existing data. It panics if len(data) != r*c.
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

// Row returns a view of the i‑th row. Writes through the slice update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowTo copies the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// RowsView returns rows [start, end) as a matrix sharing m's storage.
func (m *Mat) RowsView(start, end int) Mat {
	if start < 0 || end > m.R || start > end {
		panic("row range out of bounds")
	}
	return Mat{
		R:      end - start,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[start*m.Stride : end*m.Stride],
	}
}

// Clone returns a deep copy of m with a compact stride.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Shape returns [R, C].
func (m *Mat) Shape() []int {
	return []int{m.R, m.C}
}

// Zero clears every element.
func (m *Mat) Zero() {
	clear(m.Data)
}

// FillRand fills the matrix with reproducible pseudo‑random values in a small
// range around zero. The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillUniform fills m with values drawn from U(-bound, bound).
func FillUniform(m *Mat, seed int64, bound float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}

// FillNormal fills m with values drawn from N(0, std²).
func FillNormal(m *Mat, seed int64, std float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// Fill sets every element to v.
func Fill(m *Mat, v float32) {
	for i := range m.Data {
		m.Data[i] = v
	}
}

// AllFinite reports whether every element of m is neither NaN nor ±Inf.
func AllFinite(m *Mat) bool {
	for _, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
