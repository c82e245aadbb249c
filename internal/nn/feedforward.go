package nn

import (
	"github.com/samcharles93/zerothermal/internal/tensor"
)

// FeedForward is Down(Act(Up(x))) with both projections quantized.
type FeedForward struct {
	Up   *BitLinear // [hidden, d]
	Down *BitLinear // [d, hidden]
	Act  Activation
}

// NewFeedForward builds the d → hidden → d sub-layer.
func NewFeedForward(d, hidden int, act Activation, bias bool, eps float32, seed int64) *FeedForward {
	return &FeedForward{
		Up:   NewBitLinear(d, hidden, bias, eps, seed),
		Down: NewBitLinear(hidden, d, bias, eps, seed+7),
		Act:  act,
	}
}

func (f *FeedForward) Forward(x *tensor.Mat) (tensor.Mat, error) {
	h, err := f.Up.Forward(x)
	if err != nil {
		return tensor.Mat{}, err
	}
	tensor.Apply(&h, f.Act.Fn)
	return f.Down.Forward(&h)
}

// FeedForwardCache keeps the intermediate values of a training pass.
type FeedForwardCache struct {
	up, down *BitLinearCache
	pre      tensor.Mat
	hidden   tensor.Mat
}

// FeedForwardGrads holds the gradients of both projections.
type FeedForwardGrads struct {
	Up, Down BitLinearGrads
}

// ForwardTrain is Forward plus the cache needed by Backward.
func (f *FeedForward) ForwardTrain(x *tensor.Mat) (tensor.Mat, *FeedForwardCache, error) {
	pre, upCache, err := f.Up.ForwardTrain(x)
	if err != nil {
		return tensor.Mat{}, nil, err
	}
	c := &FeedForwardCache{up: upCache, pre: pre, hidden: pre.Clone()}
	tensor.Apply(&c.hidden, f.Act.Fn)
	out, downCache, err := f.Down.ForwardTrain(&c.hidden)
	if err != nil {
		return tensor.Mat{}, nil, err
	}
	c.down = downCache
	return out, c, nil
}

// Backward propagates dOut through both projections and the activation.
func (f *FeedForward) Backward(c *FeedForwardCache, dOut *tensor.Mat) (tensor.Mat, FeedForwardGrads, error) {
	dHidden, downGrads, err := f.Down.Backward(c.down, dOut)
	if err != nil {
		return tensor.Mat{}, FeedForwardGrads{}, err
	}
	for i := 0; i < dHidden.R; i++ {
		g := dHidden.Row(i)
		pre := c.pre.Row(i)
		for j := range g {
			g[j] *= f.Act.Grad(pre[j])
		}
	}
	dx, upGrads, err := f.Up.Backward(c.up, &dHidden)
	if err != nil {
		return tensor.Mat{}, FeedForwardGrads{}, err
	}
	return dx, FeedForwardGrads{Up: upGrads, Down: downGrads}, nil
}

func (f *FeedForward) Params(prefix string) []Param {
	ps := f.Up.Params(join(prefix, "up"))
	return append(ps, f.Down.Params(join(prefix, "down"))...)
}
