package nn

// Param is a named view of a layer parameter. Data aliases the layer's own
// storage, so an optimizer or checkpoint loader writing into it updates the
// layer in place.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// ParamOwner is implemented by every layer that holds parameters.
type ParamOwner interface {
	Params(prefix string) []Param
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
