package nn

import (
	"fmt"
	"strings"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Activation is an element-wise nonlinearity and its derivative.
type Activation struct {
	Name string
	Fn   func(float32) float32
	Grad func(float32) float32
}

var (
	GELU = Activation{Name: "gelu", Fn: tensor.Gelu, Grad: tensor.GeluGrad}
	SiLU = Activation{Name: "silu", Fn: tensor.Silu, Grad: tensor.SiluGrad}
)

// ParseActivation resolves an activation by name. Empty means gelu.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(name) {
	case "", "gelu":
		return GELU, nil
	case "silu", "swish":
		return SiLU, nil
	default:
		return Activation{}, fmt.Errorf("unknown activation %q", name)
	}
}
