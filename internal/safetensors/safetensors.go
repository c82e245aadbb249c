package safetensors

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DType names an element encoding as spelled in safetensors headers.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	U8   DType = "U8"
)

// ElemSize returns the byte width of one element.
func (d DType) ElemSize() (int, bool) {
	switch d {
	case F32:
		return 4, true
	case F16, BF16:
		return 2, true
	case U8:
		return 1, true
	}
	return 0, false
}

type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. The tensor data stays mapped until
// Close is called.
type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// Open maps a safetensors file read-only and parses its header. If mmap is
// unavailable the file is read into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 {
		return nil, errors.Errorf("%s: file too short for header (%d bytes)", path, size)
	}
	if size > int64(int(^uint(0)>>1)) {
		return nil, errors.Errorf("%s: file too large to map", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}

	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, errors.Errorf("%s: header length %d exceeds file size", path, headerLen)
	}
	dataStart := int64(8 + headerLen)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:dataStart], &raw); err != nil {
		return nil, errors.Wrapf(err, "%s: parse header", path)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, errors.Wrapf(err, "%s: parse metadata", path)
		}
		delete(raw, metadataKey)
	}

	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, errors.Wrapf(err, "parse tensor %s", name)
		}
		if len(th.DataOffsets) != 2 {
			return nil, errors.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, errors.Errorf("tensor %s: offsets [%d, %d) outside payload of %d bytes", name, start, end, payload)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		Path:      path,
		DataStart: dataStart,
		Metadata:  meta,
		Tensors:   tensors,
		data:      data,
	}, nil
}

// Close releases the mapping. Slices returned by ReadTensor are invalid
// afterwards.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	if f.mmapped {
		return unix.Munmap(data)
	}
	return nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of a tensor. The slice aliases the file
// mapping and must not be modified.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, errors.Errorf("read tensor %s: file closed", name)
	}
	start := f.DataStart + t.Start
	return f.data[start : start+(t.End-t.Start)], t, nil
}

// ReadTensorF32 decodes a floating point tensor into a new float32 slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := NumElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, errors.Wrapf(err, "tensor %s", name)
	}
	out, err := DecodeF32(raw, info.DType, n)
	if err != nil {
		return nil, TensorInfo{}, errors.Wrapf(err, "tensor %s", name)
	}
	return out, info, nil
}

// NumElements returns the product of shape. A scalar (empty shape) has one
// element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func f32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	// round to nearest even on the dropped half
	bits += 0x7FFF + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}
