package model

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/samcharles93/zerothermal/internal/nn"
	"github.com/samcharles93/zerothermal/internal/safetensors"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

// Tensor name suffixes used by packed exports.
const (
	CodesSuffix = ".codes"
	ScaleSuffix = ".scale"

	MetaScheme   = "scheme"
	MetaSourceID = "source_id"
)

// ExportStats summarises a packed export.
type ExportStats struct {
	Packed     int   // quantized weight matrices
	Dense      int   // tensors copied as F32
	Bytes      int64 // tensor payload written
	DenseBytes int64 // payload of the same parameters as F32
}

// ExportPacked writes every BitLinear weight as packed codes plus its scale
// ("<name>.codes" as U8, "<name>.scale" as F32 [1]) and every other
// parameter as F32. Packed codes cover the flattened [out, in] matrix.
func (m *Transformer) ExportPacked(path string, scheme quant.Scheme, sourceID string) (ExportStats, error) {
	packedWeights := make(map[string]*nn.BitLinear)
	for prefix, bl := range m.BitLinears() {
		packedWeights[prefix+".weight"] = bl
	}

	var (
		stats   ExportStats
		tensors []safetensors.Tensor
	)
	for _, p := range m.Params() {
		stats.DenseBytes += int64(len(p.Data)) * 4
		if bl, ok := packedWeights[p.Name]; ok {
			q, err := scheme.Quantise(&bl.Weight)
			if err != nil {
				return ExportStats{}, errors.Wrapf(err, "quantise %s", p.Name)
			}
			scale, err := safetensors.EncodeF32(q.Scales, safetensors.F32)
			if err != nil {
				return ExportStats{}, err
			}
			tensors = append(tensors,
				safetensors.Tensor{Name: p.Name + CodesSuffix, DType: safetensors.U8, Shape: []int{len(q.Data)}, Data: q.Data},
				safetensors.Tensor{Name: p.Name + ScaleSuffix, DType: safetensors.F32, Shape: []int{len(q.Scales)}, Data: scale},
			)
			stats.Packed++
			stats.Bytes += int64(len(q.Data) + len(scale))
			continue
		}
		data, err := safetensors.EncodeF32(p.Data, safetensors.F32)
		if err != nil {
			return ExportStats{}, err
		}
		tensors = append(tensors, safetensors.Tensor{Name: p.Name, DType: safetensors.F32, Shape: p.Shape, Data: data})
		stats.Dense++
		stats.Bytes += int64(len(data))
	}

	cfgJSON, err := m.Config.encode()
	if err != nil {
		return ExportStats{}, errors.Wrap(err, "encode config")
	}
	meta := map[string]string{
		MetaFormat: scheme.Name(),
		MetaScheme: scheme.Name(),
		MetaConfig: cfgJSON,
	}
	if sourceID != "" {
		meta[MetaSourceID] = sourceID
	}
	if err := safetensors.Write(path, tensors, meta); err != nil {
		return ExportStats{}, errors.Wrapf(err, "export %s", path)
	}
	m.log.Debug("packed export written", "path", path, "scheme", scheme.Name(), "packed", stats.Packed, "dense", stats.Dense)
	return stats, nil
}

// ReadPacked returns the packed weight stored under name in an export, with
// the matrix shape supplied by the caller.
func ReadPacked(f *safetensors.File, name string, rows, cols int) (quant.QuantTensor, error) {
	codes, info, err := f.ReadTensor(name + CodesSuffix)
	if err != nil {
		return quant.QuantTensor{}, err
	}
	if info.DType != safetensors.U8 {
		return quant.QuantTensor{}, errors.Errorf("%s: codes stored as %s, want U8", name, info.DType)
	}
	if len(codes) != quant.PackedLen(rows*cols) {
		return quant.QuantTensor{}, errors.Errorf("%s: %d code bytes for a %dx%d matrix", name, len(codes), rows, cols)
	}
	scales, _, err := f.ReadTensorF32(name + ScaleSuffix)
	if err != nil {
		return quant.QuantTensor{}, err
	}
	return quant.QuantTensor{
		Rows:      rows,
		Cols:      cols,
		BlockSize: rows * cols,
		Scales:    scales,
		Data:      append([]byte(nil), codes...),
	}, nil
}

// SortedBitLinears returns BitLinears() ordered by name.
func (m *Transformer) SortedBitLinears() ([]string, []*nn.BitLinear) {
	all := m.BitLinears()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	layers := make([]*nn.BitLinear, len(names))
	for i, name := range names {
		layers[i] = all[name]
	}
	return names, layers
}
