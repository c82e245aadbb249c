package model

import (
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/samcharles93/zerothermal/internal/safetensors"
)

// Checkpoint metadata keys.
const (
	MetaFormat = "format"
	MetaConfig = "config"
	MetaID     = "id"

	// FormatDense marks a checkpoint holding every parameter as floats.
	FormatDense = "zerothermal-dense"
)

// Save writes every parameter to a safetensors file in dtype (F32, F16 or
// BF16). The metadata carries the config as JSON and a fresh checkpoint id,
// which is returned.
func (m *Transformer) Save(path string, dtype safetensors.DType) (string, error) {
	cfgJSON, err := m.Config.encode()
	if err != nil {
		return "", errors.Wrap(err, "encode config")
	}
	params := m.Params()
	tensors := make([]safetensors.Tensor, 0, len(params))
	for _, p := range params {
		data, err := safetensors.EncodeF32(p.Data, dtype)
		if err != nil {
			return "", errors.Wrapf(err, "encode %s", p.Name)
		}
		tensors = append(tensors, safetensors.Tensor{
			Name:  p.Name,
			DType: dtype,
			Shape: p.Shape,
			Data:  data,
		})
	}
	id := uuid.NewString()
	meta := map[string]string{
		MetaFormat: FormatDense,
		MetaConfig: cfgJSON,
		MetaID:     id,
	}
	if err := safetensors.Write(path, tensors, meta); err != nil {
		return "", errors.Wrapf(err, "save checkpoint %s", path)
	}
	m.ID = id
	m.log.Debug("checkpoint saved", "path", path, "id", id, "dtype", string(dtype), "tensors", len(tensors))
	return id, nil
}

// ReadConfig returns the model config stored in an opened checkpoint.
func ReadConfig(f *safetensors.File) (Config, error) {
	if format := f.Metadata[MetaFormat]; format != FormatDense {
		return Config{}, errors.Errorf("%s: unsupported checkpoint format %q", f.Path, format)
	}
	raw, ok := f.Metadata[MetaConfig]
	if !ok {
		return Config{}, errors.Errorf("%s: checkpoint has no config metadata", f.Path)
	}
	cfg, err := ParseConfig([]byte(raw), "json")
	if err != nil {
		return Config{}, errors.Wrapf(err, "%s: config metadata", f.Path)
	}
	return cfg, nil
}

// Load rebuilds a model from a checkpoint written by Save. Every parameter
// must be present with the shape the stored config implies.
func Load(path string, opts Options) (*Transformer, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer func() { _ = f.Close() }()

	cfg, err := ReadConfig(f)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	params := m.Params()
	if len(f.Tensors) != len(params) {
		return nil, errors.Errorf("%s: %d tensors, model has %d parameters", path, len(f.Tensors), len(params))
	}
	for _, p := range params {
		vals, info, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", path)
		}
		if !slices.Equal(info.Shape, p.Shape) {
			return nil, errors.Errorf("%s: tensor %s has shape %v, want %v", path, p.Name, info.Shape, p.Shape)
		}
		copy(p.Data, vals)
	}
	m.ID = f.Metadata[MetaID]
	m.log.Debug("checkpoint loaded", "path", path, "id", m.ID, "tensors", len(params))
	return m, nil
}
