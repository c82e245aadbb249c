package quant

import (
	"fmt"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Scheme converts a float weight matrix into a compact quantized tensor.
type Scheme interface {
	Name() string
	Quantise(w *tensor.Mat) (QuantTensor, error)
}

// QuantTensor is the packed form of a weight matrix.
type QuantTensor struct {
	Rows, Cols int
	BlockSize  int
	Scales     []float32
	Data       []byte
}

// Ternary packs absmean ternary codes at 2 bits per weight, four weights per
// byte in row-major order starting at the low bits. The whole matrix shares a
// single scale, so BlockSize equals Rows*Cols.
//
// Encoding: 0b00 = 0, 0b01 = +1, 0b10 = -1.
type Ternary struct {
	Eps float32
}

func (Ternary) Name() string { return "ternary-absmean-2bit" }

func (t Ternary) Quantise(w *tensor.Mat) (QuantTensor, error) {
	if w == nil || w.R == 0 || w.C == 0 {
		return QuantTensor{}, fmt.Errorf("ternary: empty weight matrix")
	}
	eps := t.Eps
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	n := w.R * w.C
	flat := make([]float32, 0, n)
	for i := 0; i < w.R; i++ {
		flat = append(flat, w.Row(i)...)
	}
	codes := make([]int8, n)
	gamma := QuantizeWeights(codes, flat, eps)
	return QuantTensor{
		Rows:      w.R,
		Cols:      w.C,
		BlockSize: n,
		Scales:    []float32{gamma},
		Data:      PackTernary(codes),
	}, nil
}

// PackedLen returns the number of bytes needed for n ternary codes.
func PackedLen(n int) int {
	return (n + 3) / 4
}

// PackTernary packs codes in {-1, 0, 1} four to a byte.
func PackTernary(codes []int8) []byte {
	out := make([]byte, PackedLen(len(codes)))
	for i, c := range codes {
		var bits byte
		switch c {
		case 1:
			bits = 0b01
		case -1:
			bits = 0b10
		case 0:
		default:
			panic(fmt.Sprintf("non-ternary code %d at %d", c, i))
		}
		out[i/4] |= bits << (2 * (i % 4))
	}
	return out
}

// UnpackTernary decodes n codes from packed.
func UnpackTernary(codes []int8, packed []byte) error {
	if len(packed) < PackedLen(len(codes)) {
		return fmt.Errorf("ternary: packed data too short: %d bytes for %d codes", len(packed), len(codes))
	}
	for i := range codes {
		switch (packed[i/4] >> (2 * (i % 4))) & 0b11 {
		case 0b00:
			codes[i] = 0
		case 0b01:
			codes[i] = 1
		case 0b10:
			codes[i] = -1
		default:
			return fmt.Errorf("ternary: invalid code bits at %d", i)
		}
	}
	return nil
}

// Dequantize expands q back into a float matrix of code × scale values.
func Dequantize(q QuantTensor) (tensor.Mat, error) {
	if len(q.Scales) != 1 {
		return tensor.Mat{}, fmt.Errorf("ternary: expected 1 scale, got %d", len(q.Scales))
	}
	codes := make([]int8, q.Rows*q.Cols)
	if err := UnpackTernary(codes, q.Data); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(q.Rows, q.Cols)
	DequantizeWeights(out.Data, codes, q.Scales[0])
	return out, nil
}

// Histogram counts the -1, 0 and +1 codes, in that order.
func Histogram(codes []int8) [3]int {
	var h [3]int
	for _, c := range codes {
		h[c+1]++
	}
	return h
}
