package nn

import (
	"math"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Attention consumes query, key and value rows of one sequence and returns
// a matrix shaped like the query.
type Attention interface {
	Forward(q, k, v *tensor.Mat) (tensor.Mat, error)
}

// MultiHeadAttention is scaled dot-product attention over NHead heads with
// input and output projections. The projections may be full precision or
// BitLinear.
type MultiHeadAttention struct {
	DModel, NHead int
	Causal        bool

	Q, K, V, O Projection
}

var _ Attention = (*MultiHeadAttention)(nil)

// NewMultiHeadAttention builds full precision projections with
// xavier-uniform weights and zero biases.
func NewMultiHeadAttention(d, nHead int, causal bool, seed int64) *MultiHeadAttention {
	proj := func(s int64) *Linear {
		l := &Linear{In: d, Out: d, Weight: tensor.NewMat(d, d), Bias: make([]float32, d)}
		bound := float32(math.Sqrt(6 / float64(2*d)))
		tensor.FillUniform(&l.Weight, s, bound)
		return l
	}
	return &MultiHeadAttention{
		DModel: d,
		NHead:  nHead,
		Causal: causal,
		Q:      proj(seed),
		K:      proj(seed + 1),
		V:      proj(seed + 2),
		O:      NewLinear(d, d, true, seed+3),
	}
}

// NewBitMultiHeadAttention builds the same operator with every projection
// quantized.
func NewBitMultiHeadAttention(d, nHead int, causal bool, eps float32, seed int64) *MultiHeadAttention {
	return &MultiHeadAttention{
		DModel: d,
		NHead:  nHead,
		Causal: causal,
		Q:      NewBitLinear(d, d, true, eps, seed),
		K:      NewBitLinear(d, d, true, eps, seed+1),
		V:      NewBitLinear(d, d, true, eps, seed+2),
		O:      NewBitLinear(d, d, true, eps, seed+3),
	}
}

func (a *MultiHeadAttention) Forward(q, k, v *tensor.Mat) (tensor.Mat, error) {
	if a.NHead <= 0 || a.DModel%a.NHead != 0 {
		return tensor.Mat{}, ConfigErrorf("attention", "d_model %d not divisible by %d heads", a.DModel, a.NHead)
	}
	if k.R != v.R {
		return tensor.Mat{}, ConfigErrorf("attention", "key has %d rows, value has %d", k.R, v.R)
	}
	if a.Causal && q.R != k.R {
		return tensor.Mat{}, ConfigErrorf("attention", "causal mask needs equal query and key lengths, got %d and %d", q.R, k.R)
	}
	qp, err := a.Q.Forward(q)
	if err != nil {
		return tensor.Mat{}, err
	}
	kp, err := a.K.Forward(k)
	if err != nil {
		return tensor.Mat{}, err
	}
	vp, err := a.V.Forward(v)
	if err != nil {
		return tensor.Mat{}, err
	}

	headDim := a.DModel / a.NHead
	scale := float32(1 / math.Sqrt(float64(headDim)))
	ctx := tensor.NewMat(q.R, a.DModel)

	tensor.ParallelRows(q.R, func(rs, re int) {
		scores := make([]float32, kp.R)
		for i := rs; i < re; i++ {
			n := kp.R
			if a.Causal {
				n = i + 1
			}
			qi := qp.Row(i)
			out := ctx.Row(i)
			for h := 0; h < a.NHead; h++ {
				lo, hi := h*headDim, (h+1)*headDim
				s := scores[:n]
				for j := 0; j < n; j++ {
					s[j] = tensor.Dot(qi[lo:hi], kp.Row(j)[lo:hi]) * scale
				}
				tensor.Softmax(s)
				dst := out[lo:hi]
				for j, p := range s {
					vj := vp.Row(j)[lo:hi]
					for c := range dst {
						dst[c] += p * vj[c]
					}
				}
			}
		}
	})

	return a.O.Forward(&ctx)
}

func (a *MultiHeadAttention) Params(prefix string) []Param {
	var ps []Param
	ps = append(ps, a.Q.Params(join(prefix, "q"))...)
	ps = append(ps, a.K.Params(join(prefix, "k"))...)
	ps = append(ps, a.V.Params(join(prefix, "v"))...)
	ps = append(ps, a.O.Params(join(prefix, "o"))...)
	return ps
}
