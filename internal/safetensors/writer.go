package safetensors

import (
	"bufio"
	"encoding/binary"
	"os"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Tensor is one entry to be written.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []byte
}

// headerAlign pads the JSON header so tensor data starts 8-byte aligned.
const headerAlign = 8

// Write stores tensors, in the given order, and metadata at path. The file
// is written to a temporary sibling and renamed into place.
func Write(path string, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensors {
		if t.Name == "" || t.Name == metadataKey {
			return errors.Errorf("invalid tensor name %q", t.Name)
		}
		if _, dup := header[t.Name]; dup {
			return errors.Errorf("duplicate tensor %s", t.Name)
		}
		size, ok := t.DType.ElemSize()
		if !ok {
			return errors.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
		}
		n, err := NumElements(t.Shape)
		if err != nil {
			return errors.Wrapf(err, "tensor %s", t.Name)
		}
		if len(t.Data) != n*size {
			return errors.Errorf("tensor %s: %d bytes for shape %v", t.Name, len(t.Data), t.Shape)
		}
		end := offset + int64(len(t.Data))
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{offset, end},
		}
		offset = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	for len(headerBytes)%headerAlign != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return errors.Wrapf(err, "write tensor %s", t.Name)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}
