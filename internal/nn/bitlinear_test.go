package nn

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/zerothermal/internal/tensor"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

func matOf(rows [][]float32) tensor.Mat {
	m := tensor.NewMat(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(m.Row(i), r)
	}
	return m
}

func TestBitLinearWorkedExample(t *testing.T) {
	l := &BitLinear{In: 4, Out: 1, Weight: matOf([][]float32{{2, -2, 0, 0}}), Eps: 1e-6}

	codes, gamma := l.Codes()
	require.Equal(t, float32(1), gamma)
	require.Equal(t, []int8{1, -1, 0, 0}, codes)

	x := matOf([][]float32{{1, 1, 1, 1}})
	qa := QuantizeActivations(&x, l.Eps)
	require.Equal(t, []int8{127, 127, 127, 127}, qa.Codes)
	require.InDeltaSlice(t, []float32{1, 1, 1, 1}, qa.Used.Row(0), 1e-6)

	out, err := l.Forward(&x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1}, out.Shape())
	require.InDelta(t, 0, float64(out.Data[0]), 1e-6)
}

func TestBitLinearShapeLaw(t *testing.T) {
	l := NewBitLinear(6, 3, true, 1e-6, 1)
	for _, rows := range []int{1, 2, 17} {
		x := tensor.NewMat(rows, 6)
		tensor.FillNormal(&x, int64(rows), 1)
		out, err := l.Forward(&x)
		require.NoError(t, err)
		require.Equal(t, []int{rows, 3}, out.Shape())
	}
}

func TestBitLinearWidthMismatchIsConfigError(t *testing.T) {
	l := NewBitLinear(4, 2, false, 1e-6, 1)
	x := tensor.NewMat(3, 5)
	_, err := l.Forward(&x)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	require.Equal(t, "bitlinear", cfgErr.Layer)
}

func TestBitLinearZeroWeightsAreFinite(t *testing.T) {
	l := &BitLinear{In: 5, Out: 4, Weight: tensor.NewMat(4, 5), Eps: 1e-6}
	x := tensor.NewMat(3, 5)
	tensor.FillNormal(&x, 2, 10)

	out, err := l.Forward(&x)
	require.NoError(t, err)
	require.True(t, tensor.AllFinite(&out))
	for _, v := range out.Data {
		require.Zero(t, v)
	}
}

func TestBitLinearZeroActivationRow(t *testing.T) {
	l := NewBitLinear(5, 4, true, 1e-6, 3)
	x := tensor.NewMat(2, 5)
	copy(x.Row(1), []float32{0.1, -0.4, 2, 0, 1})

	qa := QuantizeActivations(&x, l.Eps)
	for _, v := range qa.Used.Row(0) {
		require.Zero(t, v)
	}

	out, err := l.Forward(&x)
	require.NoError(t, err)
	require.True(t, tensor.AllFinite(&out))
	// A zero row only sees the bias.
	require.InDeltaSlice(t, l.Bias, out.Row(0), 1e-6)
}

func TestBitLinearDeterministic(t *testing.T) {
	l := NewBitLinear(16, 8, false, 1e-6, 4)
	x := tensor.NewMat(9, 16)
	tensor.FillNormal(&x, 5, 1)

	a, err := l.Forward(&x)
	require.NoError(t, err)
	b, err := l.Forward(&x)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)
}

func TestBitLinearCodesStayTernaryAfterUpdate(t *testing.T) {
	l := NewBitLinear(8, 8, false, 1e-6, 6)
	// An external optimizer overwrites parameters between calls.
	for _, p := range l.Params("ffn") {
		for i := range p.Data {
			p.Data[i] *= float32(i%5) - 2
		}
	}
	codes, gamma := l.Codes()
	require.Greater(t, gamma, float32(0))
	for _, c := range codes {
		require.Contains(t, []int8{-1, 0, 1}, c)
	}
}

// With residual-free inputs the scale terms vanish and the gradient is the
// plain straight-through product.
func TestBitLinearBackwardStraightThrough(t *testing.T) {
	l := &BitLinear{In: 4, Out: 2, Weight: matOf([][]float32{{1, -1, 1, 1}, {-1, 1, -1, -1}}), Eps: 1e-6}
	x := matOf([][]float32{{1, 1, -1, 1}, {-2, 2, 2, 0}})

	out, cache, err := l.ForwardTrain(&x)
	require.NoError(t, err)
	dOut := matOf([][]float32{{0.5, -1}, {2, 0.25}})
	require.Equal(t, []int{2, 2}, out.Shape())

	dx, grads, err := l.Backward(cache, &dOut)
	require.NoError(t, err)

	wantDx := tensor.NewMat(2, 4)
	tensor.MatMul(&wantDx, &dOut, &l.Weight)
	require.InDeltaSlice(t, wantDx.Data, dx.Data, 1e-5)

	wantDw := tensor.NewMat(2, 4)
	tensor.MatMulTN(&wantDw, &dOut, &x)
	require.InDeltaSlice(t, wantDw.Data, grads.Weight.Data, 1e-5)
	require.Nil(t, grads.Bias)
}

// surrogateLoss evaluates Σ G ⊙ y with the rounding residuals frozen at the
// values of the forward pass, which is the function the backward pass
// differentiates.
func surrogateLoss(x, w [][]float64, cx, cw [][]float64, g [][]float64, eps float64) float64 {
	var sumAbs float64
	n := 0
	for _, row := range w {
		for _, v := range row {
			sumAbs += math.Abs(v)
			n++
		}
	}
	gw := math.Max(sumAbs/float64(n), eps)

	var loss float64
	for r, row := range x {
		var m float64
		for _, v := range row {
			m = math.Max(m, math.Abs(v))
		}
		gx := math.Max(m, eps)
		for o := range w {
			var y float64
			for j, v := range row {
				xf := cx[r][j]*gx/quant.ActQMax + v
				wf := cw[o][j]*gw + w[o][j]
				y += xf * wf
			}
			loss += g[r][o] * y
		}
	}
	return loss
}

func to64(m *tensor.Mat) [][]float64 {
	out := make([][]float64, m.R)
	for i := range out {
		out[i] = make([]float64, m.C)
		for j, v := range m.Row(i) {
			out[i][j] = float64(v)
		}
	}
	return out
}

func TestBitLinearBackwardMatchesFiniteDifference(t *testing.T) {
	l := &BitLinear{
		In:  5,
		Out: 3,
		Weight: matOf([][]float32{
			{0.21, -0.47, 0.05, 0.33, -0.12},
			{-0.08, 0.29, -0.61, 0.17, 0.44},
			{0.38, 0.02, -0.26, -0.53, 0.15},
		}),
		Bias: []float32{0.1, -0.2, 0.3},
		Eps:  1e-6,
	}
	x := matOf([][]float32{
		{0.3, -1.7, 0.8, 0.05, -0.6},
		{1.1, 0.4, -0.2, -2.3, 0.9},
	})
	dOut := matOf([][]float32{{0.7, -0.3, 1.2}, {-0.5, 0.9, 0.4}})

	_, cache, err := l.ForwardTrain(&x)
	require.NoError(t, err)
	dx, grads, err := l.Backward(cache, &dOut)
	require.NoError(t, err)

	cx := make([][]float64, x.R)
	for r := 0; r < x.R; r++ {
		cx[r] = make([]float64, x.C)
		s := float64(quant.ActQMax / cache.act.Gammas[r])
		for j, v := range x.Row(r) {
			cx[r][j] = float64(cache.act.Codes[r*x.C+j]) - float64(v)*s
		}
	}
	cw := make([][]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		cw[o] = make([]float64, l.In)
		for j, v := range l.Weight.Row(o) {
			cw[o][j] = float64(cache.weight.Codes[o*l.In+j]) - float64(v)/float64(cache.weight.Gamma)
		}
	}

	xs, ws, gs := to64(&x), to64(&l.Weight), to64(&dOut)
	const h = 1e-5
	for r := range xs {
		for j := range xs[r] {
			orig := xs[r][j]
			xs[r][j] = orig + h
			up := surrogateLoss(xs, ws, cx, cw, gs, 1e-6)
			xs[r][j] = orig - h
			down := surrogateLoss(xs, ws, cx, cw, gs, 1e-6)
			xs[r][j] = orig
			require.InDeltaf(t, (up-down)/(2*h), float64(dx.Row(r)[j]), 1e-3, "dx[%d][%d]", r, j)
		}
	}
	for o := range ws {
		for j := range ws[o] {
			orig := ws[o][j]
			ws[o][j] = orig + h
			up := surrogateLoss(xs, ws, cx, cw, gs, 1e-6)
			ws[o][j] = orig - h
			down := surrogateLoss(xs, ws, cx, cw, gs, 1e-6)
			ws[o][j] = orig
			require.InDeltaf(t, (up-down)/(2*h), float64(grads.Weight.Row(o)[j]), 1e-3, "dW[%d][%d]", o, j)
		}
	}
	require.InDeltaSlice(t, []float32{0.2, 0.6, 1.6}, grads.Bias, 1e-6)
}

func TestBitLinearBackwardRejectsBadGradient(t *testing.T) {
	l := NewBitLinear(4, 2, false, 1e-6, 1)
	x := tensor.NewMat(3, 4)
	_, cache, err := l.ForwardTrain(&x)
	require.NoError(t, err)
	bad := tensor.NewMat(3, 3)
	_, _, err = l.Backward(cache, &bad)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, _, err = l.Backward(nil, &bad)
	require.Error(t, err)
}

func TestBitLinearBackwardUsesForwardWeight(t *testing.T) {
	l := NewBitLinear(6, 3, true, 1e-6, 11)
	x := tensor.NewMat(4, 6)
	tensor.FillNormal(&x, 12, 1)
	dOut := tensor.NewMat(4, 3)
	tensor.FillNormal(&dOut, 13, 1)

	_, cache, err := l.ForwardTrain(&x)
	require.NoError(t, err)
	wantDx, wantGrads, err := l.Backward(cache, &dOut)
	require.NoError(t, err)

	_, cache, err = l.ForwardTrain(&x)
	require.NoError(t, err)
	// An optimizer step between the passes must not leak into the gradient.
	for i := range l.Weight.Data {
		l.Weight.Data[i] = -3 * l.Weight.Data[i]
	}
	dx, grads, err := l.Backward(cache, &dOut)
	require.NoError(t, err)
	require.Equal(t, wantDx.Data, dx.Data)
	require.Equal(t, wantGrads.Weight.Data, grads.Weight.Data)
	require.Equal(t, wantGrads.Bias, grads.Bias)
}

func TestBitLinearNonFiniteInputStaysVisible(t *testing.T) {
	l := NewBitLinear(4, 3, true, 1e-6, 5)
	x := matOf([][]float32{
		{0.5, float32(math.NaN()), -1, 2},
		{0.5, float32(math.Inf(1)), -1, 2},
		{0.5, 0.25, -1, 2},
	})

	qa := QuantizeActivations(&x, l.Eps)
	require.True(t, math.IsNaN(float64(qa.Gammas[0])))
	require.True(t, math.IsInf(float64(qa.Gammas[1]), 1))
	for _, c := range qa.Codes[:8] {
		require.Zero(t, c)
	}

	out, err := l.Forward(&x)
	require.NoError(t, err)
	for r := 0; r < 2; r++ {
		for j, v := range out.Row(r) {
			require.Truef(t, math.IsNaN(float64(v)), "row %d col %d = %v", r, j, v)
		}
	}
	last := out.RowsView(2, 3)
	require.True(t, tensor.AllFinite(&last))
}
