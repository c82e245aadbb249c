package safetensors

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DecodeF32 converts n elements of raw in dtype to float32.
func DecodeF32(raw []byte, dtype DType, n int) ([]float32, error) {
	size, ok := dtype.ElemSize()
	if !ok {
		return nil, errors.Errorf("unsupported dtype %s", dtype)
	}
	if len(raw) != n*size {
		return nil, errors.Errorf("invalid %s data size: %d bytes for %d elements", dtype, len(raw), n)
	}
	out := make([]float32, n)
	switch dtype {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case U8:
		for i := range out {
			out[i] = float32(raw[i])
		}
	}
	return out, nil
}

// EncodeF32 converts vals to little-endian bytes in dtype.
func EncodeF32(vals []float32, dtype DType) ([]byte, error) {
	size, ok := dtype.ElemSize()
	if !ok || dtype == U8 {
		return nil, errors.Errorf("cannot encode float data as %s", dtype)
	}
	out := make([]byte, len(vals)*size)
	switch dtype {
	case F32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case F16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], f32ToBF16(v))
		}
	}
	return out, nil
}
