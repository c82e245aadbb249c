package nn

import (
	"math"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Layer is the single capability shared by every stacked component: map a
// [rows, in] matrix to a new [rows, out] matrix.
type Layer interface {
	Forward(x *tensor.Mat) (tensor.Mat, error)
}

// Projection is a Layer with parameters, such as Linear or BitLinear.
type Projection interface {
	Layer
	ParamOwner
}

var (
	_ Projection = (*Linear)(nil)
	_ Projection = (*BitLinear)(nil)
)

// Linear is a full precision dense layer. Weight is [Out, In].
type Linear struct {
	In, Out int
	Weight  tensor.Mat
	Bias    []float32
}

// NewLinear returns a layer with weights drawn from U(-1/√in, 1/√in).
func NewLinear(in, out int, bias bool, seed int64) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: tensor.NewMat(out, in),
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

func (l *Linear) Forward(x *tensor.Mat) (tensor.Mat, error) {
	if err := checkWidth("linear", x, l.In); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(x.R, l.Out)
	tensor.MatMulT(&out, x, &l.Weight)
	addBias(&out, l.Bias)
	return out, nil
}

func (l *Linear) Params(prefix string) []Param {
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
