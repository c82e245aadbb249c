package nn

import (
	"fmt"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// ConfigError reports a shape or length that disagrees with how a layer or
// model was configured. It is returned, never panicked, so callers can match
// it with errors.As and reject the request.
type ConfigError struct {
	Layer string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Layer, e.Msg)
}

// ConfigErrorf builds a *ConfigError for layer.
func ConfigErrorf(layer, format string, args ...any) error {
	return &ConfigError{Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

func checkWidth(layer string, x *tensor.Mat, want int) error {
	if x.C != want {
		return ConfigErrorf(layer, "input has %d features, want %d", x.C, want)
	}
	return nil
}
