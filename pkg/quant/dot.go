package quant

// DotTernary accumulates int8 activation codes against ternary weight codes
// with adds and subtracts only. Scaled by γ_x/127 · γ_w it reproduces the
// float product of the reconstructed values.
func DotTernary(x, w []int8) int32 {
	var acc int32
	for i, wv := range w {
		switch wv {
		case 1:
			acc += int32(x[i])
		case -1:
			acc -= int32(x[i])
		}
	}
	return acc
}

// ScaleTernaryDot converts an integer accumulator back to the float domain.
func ScaleTernaryDot(acc int32, gammaX, gammaW float32) float32 {
	return float32(acc) * (gammaX / ActQMax) * gammaW
}
