package nn

import (
	"math"

	"github.com/samcharles93/zerothermal/internal/tensor"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

// BitLinear is a linear layer whose weight is quantized to ternary codes
// with a per-tensor absmean scale and whose input is quantized to int8 codes
// with a per-row absmax scale, on every call:
//
//	out = dequant(quant(x)) · dequant(quant(W))ᵀ + bias
//
// Scales are never stored on the layer. Weight is [Out, In].
type BitLinear struct {
	In, Out int
	Weight  tensor.Mat
	Bias    []float32 // nil when the layer has no bias
	Eps     float32
}

// NewBitLinear returns a layer with weights drawn from U(-1/√in, 1/√in),
// the default initialisation of a dense linear layer.
func NewBitLinear(in, out int, bias bool, eps float32, seed int64) *BitLinear {
	l := &BitLinear{
		In:     in,
		Out:    out,
		Weight: tensor.NewMat(out, in),
		Eps:    eps,
	}
	bound := float32(1 / math.Sqrt(float64(in)))
	tensor.FillUniform(&l.Weight, seed, bound)
	if bias {
		l.Bias = make([]float32, out)
		b := tensor.NewMatFromData(1, out, l.Bias)
		tensor.FillUniform(&b, seed+1, bound)
	}
	return l
}

func (l *BitLinear) eps() float32 {
	if l.Eps <= 0 {
		return quant.DefaultEpsilon
	}
	return l.Eps
}

// TernaryWeight is one quantization of a weight matrix.
type TernaryWeight struct {
	Codes []int8 // row-major, len Out*In
	Gamma float32
	Used  tensor.Mat // Codes × Gamma
}

// QuantizeWeight runs the full pass over the weight matrix.
func (l *BitLinear) QuantizeWeight() TernaryWeight {
	n := l.Out * l.In
	flat := l.Weight.Data[:n]
	if l.Weight.Stride != l.In {
		flat = make([]float32, 0, n)
		for i := 0; i < l.Out; i++ {
			flat = append(flat, l.Weight.Row(i)...)
		}
	}
	tw := TernaryWeight{
		Codes: make([]int8, n),
		Used:  tensor.NewMat(l.Out, l.In),
	}
	tw.Gamma = quant.QuantizeWeights(tw.Codes, flat, l.eps())
	quant.DequantizeWeights(tw.Used.Data, tw.Codes, tw.Gamma)
	return tw
}

// Codes returns the ternary codes and scale the layer would use right now.
func (l *BitLinear) Codes() ([]int8, float32) {
	tw := l.QuantizeWeight()
	return tw.Codes, tw.Gamma
}

// Int8Activations is the per-row quantization of a layer input.
type Int8Activations struct {
	Codes  []int8 // row-major, len R*C
	Gammas []float32
	Used   tensor.Mat
}

// QuantizeActivations quantizes every row of x independently.
func QuantizeActivations(x *tensor.Mat, eps float32) Int8Activations {
	qa := Int8Activations{
		Codes:  make([]int8, x.R*x.C),
		Gammas: make([]float32, x.R),
		Used:   tensor.NewMat(x.R, x.C),
	}
	tensor.ParallelRows(x.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			codes := qa.Codes[i*x.C : (i+1)*x.C]
			qa.Gammas[i] = quant.QuantizeActivationRow(codes, x.Row(i), eps)
			quant.DequantizeActivationRow(qa.Used.Row(i), codes, qa.Gammas[i])
		}
	})
	return qa
}

// BitLinearCache keeps what Backward needs from a training forward pass.
// The input matrix is referenced, not copied, and must stay unchanged until
// Backward returns. The weight is copied, so an optimizer may update the
// layer before Backward runs.
type BitLinearCache struct {
	x      *tensor.Mat
	w      tensor.Mat // weight as seen by the forward pass
	act    Int8Activations
	weight TernaryWeight
}

// BitLinearGrads holds parameter gradients. Bias is nil when the layer has
// no bias.
type BitLinearGrads struct {
	Weight tensor.Mat
	Bias   []float32
}

// Forward maps x [rows, In] to [rows, Out].
func (l *BitLinear) Forward(x *tensor.Mat) (tensor.Mat, error) {
	out, _, err := l.forward(x, false)
	return out, err
}

// ForwardTrain is Forward plus the cache needed by Backward.
func (l *BitLinear) ForwardTrain(x *tensor.Mat) (tensor.Mat, *BitLinearCache, error) {
	return l.forward(x, true)
}

func (l *BitLinear) forward(x *tensor.Mat, train bool) (tensor.Mat, *BitLinearCache, error) {
	if err := checkWidth("bitlinear", x, l.In); err != nil {
		return tensor.Mat{}, nil, err
	}
	// The weight pass completes before any row of the product is computed.
	tw := l.QuantizeWeight()
	qa := QuantizeActivations(x, l.eps())

	out := tensor.NewMat(x.R, l.Out)
	tensor.MatMulT(&out, &qa.Used, &tw.Used)
	addBias(&out, l.Bias)
	if !train {
		return out, nil, nil
	}
	return out, &BitLinearCache{x: x, w: l.Weight.Clone(), act: qa, weight: tw}, nil
}

// Backward propagates dOut [rows, Out] through the layer.
//
// The round and clamp steps pass gradients straight through. The scales stay
// differentiable: with C = code − scaled held constant the reconstructed
// input is C·γ_x/127 + x, so the absmax element of each row also receives
// sign(x)/127 · Σ g·C, and every weight receives sign(W)/N · Σ G·C_w. Scales
// sitting on the epsilon floor pass no gradient.
func (l *BitLinear) Backward(c *BitLinearCache, dOut *tensor.Mat) (tensor.Mat, BitLinearGrads, error) {
	if c == nil || c.x == nil {
		return tensor.Mat{}, BitLinearGrads{}, ConfigErrorf("bitlinear", "backward called without a forward cache")
	}
	x := c.x
	if dOut.R != x.R || dOut.C != l.Out {
		return tensor.Mat{}, BitLinearGrads{}, ConfigErrorf("bitlinear", "gradient shape %v, want [%d %d]", dOut.Shape(), x.R, l.Out)
	}
	eps := l.eps()

	dx := tensor.NewMat(x.R, l.In)
	tensor.MatMul(&dx, dOut, &c.weight.Used)

	tensor.ParallelRows(x.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			row := x.Row(i)
			g := dx.Row(i)
			idx, maxAbs := tensor.ArgMaxAbs(row)
			if idx < 0 || maxAbs < eps {
				continue
			}
			gamma := c.act.Gammas[i]
			s := quant.ActQMax / gamma
			codes := c.act.Codes[i*l.In : (i+1)*l.In]
			var dGamma float32
			for j, v := range row {
				dGamma += quant.ActivationSTE.Backward(g[j]) * (float32(codes[j]) - v*s)
			}
			g[idx] += sign(row[idx]) * dGamma / quant.ActQMax
		}
	})

	grads := BitLinearGrads{Weight: tensor.NewMat(l.Out, l.In)}
	tensor.MatMulTN(&grads.Weight, dOut, &c.act.Used)

	n := l.Out * l.In
	var sumAbs float64
	for i := 0; i < l.Out; i++ {
		for _, v := range c.w.Row(i) {
			sumAbs += math.Abs(float64(v))
		}
	}
	if float32(sumAbs/float64(n)) >= eps {
		gamma := c.weight.Gamma
		var dGamma float64
		for i := 0; i < l.Out; i++ {
			w := c.w.Row(i)
			gw := grads.Weight.Row(i)
			codes := c.weight.Codes[i*l.In : (i+1)*l.In]
			for j, v := range w {
				dGamma += float64(quant.WeightSTE.Backward(gw[j]) * (float32(codes[j]) - v/gamma))
			}
		}
		k := float32(dGamma / float64(n))
		for i := 0; i < l.Out; i++ {
			w := c.w.Row(i)
			gw := grads.Weight.Row(i)
			for j, v := range w {
				gw[j] += sign(v) * k
			}
		}
	}

	if l.Bias != nil {
		grads.Bias = make([]float32, l.Out)
		for i := 0; i < dOut.R; i++ {
			tensor.Add(grads.Bias, dOut.Row(i))
		}
	}
	return dx, grads, nil
}

func (l *BitLinear) Params(prefix string) []Param {
	ps := []Param{{
		Name:  join(prefix, "weight"),
		Shape: []int{l.Out, l.In},
		Data:  l.Weight.Data,
	}}
	if l.Bias != nil {
		ps = append(ps, Param{
			Name:  join(prefix, "bias"),
			Shape: []int{l.Out},
			Data:  l.Bias,
		})
	}
	return ps
}

func addBias(out *tensor.Mat, bias []float32) {
	if bias == nil {
		return
	}
	for i := 0; i < out.R; i++ {
		tensor.Add(out.Row(i), bias)
	}
}

func sign(v float32) float32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
