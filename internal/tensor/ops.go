package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddMat adds src to dst element-wise. Shapes must match.
func AddMat(dst, src *Mat) {
	if dst.R != src.R || dst.C != src.C {
		panic("add shape mismatch")
	}
	for i := 0; i < dst.R; i++ {
		Add(dst.Row(i), src.Row(i))
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSInv returns 1/sqrt(mean(x²)+eps).
func RMSInv(x []float32, eps float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	mean := sum / float32(len(x))
	return float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	scale := RMSInv(src, eps)
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// RMSNormBackward computes the input gradient of RMSNorm for one row and
// accumulates the weight gradient into dWeight.
func RMSNormBackward(dx, dWeight, x, weight, dy []float32, eps float32) {
	r := RMSInv(x, eps)
	var dot float32
	for j := range x {
		dot += dy[j] * weight[j] * x[j]
	}
	coef := r * r * r * dot / float32(len(x))
	for i := range x {
		dx[i] = r*weight[i]*dy[i] - x[i]*coef
		dWeight[i] += dy[i] * x[i] * r
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluGrad returns d/dx Silu(x).
func SiluGrad(x float32) float32 {
	s := Sigmoid(x)
	return s * (1 + x*(1-s))
}

// Gelu computes the exact (erf based) Gaussian Error Linear Unit.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// GeluGrad returns d/dx Gelu(x).
func GeluGrad(x float32) float32 {
	v := float64(x)
	cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
	pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
	return float32(cdf + v*pdf)
}

// Apply replaces every element of m with fn(element).
func Apply(m *Mat, fn func(float32) float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			row[j] = fn(v)
		}
	}
}

// ArgMaxAbs returns the index and value of the element with the largest
// magnitude. Ties resolve to the lowest index. It returns -1 for an empty slice.
func ArgMaxAbs(x []float32) (int, float32) {
	idx := -1
	var best float32
	for i, v := range x {
		a := float32(math.Abs(float64(v)))
		if idx < 0 || a > best {
			idx = i
			best = a
		}
	}
	return idx, best
}
