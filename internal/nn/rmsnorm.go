package nn

import (
	"github.com/samcharles93/zerothermal/internal/tensor"
)

// RMSNorm rescales each row to unit root-mean-square and multiplies by a
// learned per-feature weight. There is no bias.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// NewRMSNorm returns a norm over dim features with the weight set to ones.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	w := make([]float32, dim)
	for i := range w {
		w[i] = 1
	}
	return &RMSNorm{Weight: w, Eps: eps}
}

// Forward normalizes every row of x independently into a new matrix.
func (n *RMSNorm) Forward(x *tensor.Mat) (tensor.Mat, error) {
	if err := checkWidth("rmsnorm", x, len(n.Weight)); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.RMSNorm(out.Row(i), x.Row(i), n.Weight, n.Eps)
	}
	return out, nil
}

// Backward returns the gradient with respect to x and the weight gradient
// summed over rows. x must be the input given to Forward.
func (n *RMSNorm) Backward(x, dy *tensor.Mat) (tensor.Mat, []float32, error) {
	if err := checkWidth("rmsnorm", x, len(n.Weight)); err != nil {
		return tensor.Mat{}, nil, err
	}
	if dy.R != x.R || dy.C != x.C {
		return tensor.Mat{}, nil, ConfigErrorf("rmsnorm", "gradient shape %v does not match input %v", dy.Shape(), x.Shape())
	}
	dx := tensor.NewMat(x.R, x.C)
	dw := make([]float32, len(n.Weight))
	for i := 0; i < x.R; i++ {
		tensor.RMSNormBackward(dx.Row(i), dw, x.Row(i), n.Weight, dy.Row(i), n.Eps)
	}
	return dx, dw, nil
}

func (n *RMSNorm) Params(prefix string) []Param {
	return []Param{{
		Name:  join(prefix, "weight"),
		Shape: []int{len(n.Weight)},
		Data:  n.Weight,
	}}
}
