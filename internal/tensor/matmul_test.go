package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func toDense(m *Mat) *mat.Dense {
	data := make([]float64, m.R*m.C)
	for i := 0; i < m.R; i++ {
		for j, v := range m.Row(i) {
			data[i*m.C+j] = float64(v)
		}
	}
	return mat.NewDense(m.R, m.C, data)
}

func denseToF32(d *mat.Dense) []float32 {
	r, c := d.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, float32(d.At(i, j)))
		}
	}
	return out
}

func TestMatMulTMatchesGonum(t *testing.T) {
	t.Parallel()
	a := NewMat(37, 29)
	b := NewMat(41, 29)
	FillUniform(&a, 1, 1)
	FillUniform(&b, 2, 1)

	got := NewMat(37, 41)
	MatMulT(&got, &a, &b)

	var want mat.Dense
	want.Mul(toDense(&a), toDense(&b).T())
	if d := maxAbsDiff(got.Data, denseToF32(&want)); d > 1e-4 {
		t.Fatalf("max abs diff %g", d)
	}
}

func TestMatMulMatchesGonum(t *testing.T) {
	t.Parallel()
	a := NewMat(19, 23)
	b := NewMat(23, 17)
	FillUniform(&a, 3, 1)
	FillUniform(&b, 4, 1)

	got := NewMat(19, 17)
	MatMul(&got, &a, &b)

	var want mat.Dense
	want.Mul(toDense(&a), toDense(&b))
	if d := maxAbsDiff(got.Data, denseToF32(&want)); d > 1e-4 {
		t.Fatalf("max abs diff %g", d)
	}
}

func TestMatMulTNMatchesGonum(t *testing.T) {
	t.Parallel()
	a := NewMat(31, 12)
	b := NewMat(31, 9)
	FillUniform(&a, 5, 1)
	FillUniform(&b, 6, 1)

	got := NewMat(12, 9)
	MatMulTN(&got, &a, &b)

	var want mat.Dense
	want.Mul(toDense(&a).T(), toDense(&b))
	if d := maxAbsDiff(got.Data, denseToF32(&want)); d > 1e-4 {
		t.Fatalf("max abs diff %g", d)
	}
}

func TestMatMulTOnRowsView(t *testing.T) {
	t.Parallel()
	a := NewMat(8, 4)
	b := NewMat(3, 4)
	FillUniform(&a, 7, 1)
	FillUniform(&b, 8, 1)

	full := NewMat(8, 3)
	MatMulT(&full, &a, &b)

	view := a.RowsView(4, 8)
	part := NewMat(4, 3)
	MatMulT(&part, &view, &b)

	fullView := full.RowsView(4, 8)
	if d := maxAbsDiff(part.Data, fullView.Data); d != 0 {
		t.Fatalf("view result differs by %g", d)
	}
}

func TestParallelRowsCoversRange(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 3, 7, 64, 1001} {
		seen := make([]int32, n)
		ParallelRows(n, func(rs, re int) {
			for i := rs; i < re; i++ {
				seen[i]++
			}
		})
		for i, v := range seen {
			if v != 1 {
				t.Fatalf("n=%d: row %d visited %d times", n, i, v)
			}
		}
	}
}

func TestMatMulTShapeMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	a := NewMat(2, 3)
	b := NewMat(2, 4)
	dst := NewMat(2, 2)
	MatMulT(&dst, &a, &b)
}
