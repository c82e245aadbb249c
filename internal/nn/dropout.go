package nn

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Dropout masks a residual branch in place. Implementations decide whether
// they are active.
type Dropout interface {
	Apply(x *tensor.Mat)
}

// Bernoulli zeroes each element with probability P while training and scales
// survivors by 1/(1-P). Outside training it is the identity.
type Bernoulli struct {
	P float32

	training atomic.Bool
	mu       sync.Mutex
	rng      *rand.Rand
}

var _ Dropout = (*Bernoulli)(nil)

// NewBernoulli returns an inactive dropout with a seeded mask generator.
func NewBernoulli(p float32, seed int64) *Bernoulli {
	return &Bernoulli{P: p, rng: rand.New(rand.NewSource(seed))}
}

// SetTraining switches masking on or off.
func (d *Bernoulli) SetTraining(on bool) { d.training.Store(on) }

// Training reports whether masking is active.
func (d *Bernoulli) Training() bool { return d.training.Load() }

func (d *Bernoulli) Apply(x *tensor.Mat) {
	if !d.training.Load() || d.P <= 0 {
		return
	}
	if d.P >= 1 {
		x.Zero()
		return
	}
	keep := 1 / (1 - d.P)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		for j := range row {
			if d.rng.Float32() < d.P {
				row[j] = 0
			} else {
				row[j] *= keep
			}
		}
	}
}
