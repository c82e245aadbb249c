// Package quant implements the BitLinear quantizers: per-row absmax int8
// codes for activations and per-tensor absmean ternary codes for weights,
// together with the straight-through estimator used to train through them.
//
// Codes are carried as int8 but every computation happens in float32; the
// clamp ranges model the information loss of the integer representation.
package quant

import (
	"math"
)

const (
	// ActQMax is the positive activation code bound, Q_b = 2^(b-1) - 1 for b = 8.
	ActQMax = 127
	// ActQMin is the negative activation code bound.
	ActQMin = -128

	// DefaultEpsilon floors every scale divisor.
	DefaultEpsilon = 1e-6
)

// STE is the round+clamp step of a quantizer paired with its
// straight-through gradient. Forward rounds half to even and clamps to
// [Lo, Hi]; Backward is the identity.
type STE struct {
	Lo, Hi float32
}

var (
	// ActivationSTE produces int8 activation codes.
	ActivationSTE = STE{Lo: ActQMin, Hi: ActQMax}
	// WeightSTE produces ternary weight codes.
	WeightSTE = STE{Lo: -1, Hi: 1}
)

// Forward returns the quantized value of v. NaN maps to code 0; the NaN
// scale it came with keeps the reconstructed value NaN.
func (s STE) Forward(v float32) float32 {
	if v != v {
		return 0
	}
	r := float32(math.RoundToEven(float64(v)))
	if r < s.Lo {
		return s.Lo
	}
	if r > s.Hi {
		return s.Hi
	}
	return r
}

// Backward returns the gradient with respect to the pre-quantization input.
// The rounding step is treated as the identity, so grad passes unchanged.
func (STE) Backward(grad float32) float32 {
	return grad
}

// Residual returns Forward(v) - v, the part of the quantized value that the
// gradient does not see.
func (s STE) Residual(v float32) float32 {
	return s.Forward(v) - v
}

// clampScale floors v at eps. NaN passes through so non-finite inputs
// surface as NaN outputs instead of finite codes.
func clampScale(v, eps float32) float32 {
	if v < eps {
		return eps
	}
	return v
}

// ActivationScale returns γ_x = max(|row|) clamped below at eps. A row
// holding NaN yields NaN.
func ActivationScale(row []float32, eps float32) float32 {
	var m float32
	for _, v := range row {
		if v != v {
			return v
		}
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return clampScale(m, eps)
}

// QuantizeActivationRow writes the int8 codes of row into codes and returns
// the scale γ_x used to produce them.
func QuantizeActivationRow(codes []int8, row []float32, eps float32) float32 {
	if len(codes) < len(row) {
		panic("activation code buffer too small")
	}
	gamma := ActivationScale(row, eps)
	s := ActQMax / gamma
	for i, v := range row {
		codes[i] = int8(ActivationSTE.Forward(v * s))
	}
	return gamma
}

// DequantizeActivationRow reconstructs code × γ_x/127 into dst.
func DequantizeActivationRow(dst []float32, codes []int8, gamma float32) {
	s := gamma / ActQMax
	for i := range dst {
		dst[i] = float32(codes[i]) * s
	}
}

// WeightScale returns γ_w = mean(|w|) clamped below at eps. Non-finite
// weights yield a non-finite scale.
func WeightScale(w []float32, eps float32) float32 {
	if len(w) == 0 {
		return eps
	}
	var sum float64
	for _, v := range w {
		sum += math.Abs(float64(v))
	}
	return clampScale(float32(sum/float64(len(w))), eps)
}

// QuantizeWeights writes ternary codes for w into codes and returns γ_w.
func QuantizeWeights(codes []int8, w []float32, eps float32) float32 {
	if len(codes) < len(w) {
		panic("weight code buffer too small")
	}
	gamma := WeightScale(w, eps)
	for i, v := range w {
		codes[i] = int8(WeightSTE.Forward(v / gamma))
	}
	return gamma
}

// DequantizeWeights reconstructs code × γ_w into dst.
func DequantizeWeights(dst []float32, codes []int8, gamma float32) {
	for i := range dst {
		dst[i] = float32(codes[i]) * gamma
	}
}
