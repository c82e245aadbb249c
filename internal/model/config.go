package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/zerothermal/internal/nn"
)

// Config holds the hyperparameters of a Transformer. Field names follow the
// checkpoint metadata and config files.
type Config struct {
	VocabSize      int     `yaml:"vocab_size" json:"vocab_size"`
	DModel         int     `yaml:"d_model" json:"d_model"`
	NHead          int     `yaml:"n_head" json:"n_head"`
	NumLayers      int     `yaml:"num_layers" json:"num_layers"`
	DimFeedforward int     `yaml:"dim_feedforward" json:"dim_feedforward"`
	MaxSeqLen      int     `yaml:"max_seq_len" json:"max_seq_len"`
	DropoutRate    float32 `yaml:"dropout_rate" json:"dropout_rate"`
	NormEpsilon    float32 `yaml:"normalization_epsilon" json:"normalization_epsilon"`

	// QuantEpsilon clamps the γ scales of every BitLinear layer.
	QuantEpsilon float32 `yaml:"quant_epsilon" json:"quant_epsilon"`
	// Activation is the feed-forward nonlinearity: gelu or silu.
	Activation string `yaml:"activation" json:"activation"`
	// FullPrecisionHead replaces the quantized output projection with a
	// dense one.
	FullPrecisionHead bool `yaml:"full_precision_head" json:"full_precision_head"`
	// QuantizeAttention makes the attention projections BitLinear.
	QuantizeAttention bool  `yaml:"quantize_attention" json:"quantize_attention"`
	Causal            bool  `yaml:"causal" json:"causal"`
	Bias              bool  `yaml:"bias" json:"bias"`
	Seed              int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the settings of the reference model. Callers
// override what they need before Validate.
func DefaultConfig() Config {
	return Config{
		VocabSize:      1000,
		DModel:         64,
		NHead:          4,
		NumLayers:      2,
		DimFeedforward: 256,
		MaxSeqLen:      1024,
		DropoutRate:    0.1,
		NormEpsilon:    1e-6,
		QuantEpsilon:   1e-6,
		Activation:     "gelu",
		Seed:           1,
	}
}

// Validate reports the first invalid field as a *ConfigError. The float
// checks are written to reject NaN.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"d_model", c.DModel},
		{"n_head", c.NHead},
		{"num_layers", c.NumLayers},
		{"dim_feedforward", c.DimFeedforward},
		{"max_seq_len", c.MaxSeqLen},
	}
	for _, f := range positive {
		if f.v <= 0 {
			return nn.ConfigErrorf("config", "%s must be positive, got %d", f.name, f.v)
		}
	}
	if c.DModel%c.NHead != 0 {
		return nn.ConfigErrorf("config", "d_model %d not divisible by n_head %d", c.DModel, c.NHead)
	}
	if !(c.DropoutRate >= 0 && c.DropoutRate < 1) {
		return nn.ConfigErrorf("config", "dropout_rate must be in [0, 1), got %g", c.DropoutRate)
	}
	if !(c.NormEpsilon > 0) {
		return nn.ConfigErrorf("config", "normalization_epsilon must be positive, got %g", c.NormEpsilon)
	}
	if !(c.QuantEpsilon > 0) {
		return nn.ConfigErrorf("config", "quant_epsilon must be positive, got %g", c.QuantEpsilon)
	}
	if _, err := nn.ParseActivation(c.Activation); err != nil {
		return nn.ConfigErrorf("config", "%v", err)
	}
	return nil
}

// ParseConfig decodes YAML or JSON over DefaultConfig, so omitted fields keep
// their defaults and explicit zeros are honoured, then validates.
func ParseConfig(data []byte, format string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode json config: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a model config file. The format follows the extension:
// .json is JSON, anything else is YAML.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// encode renders the config for checkpoint metadata.
func (c Config) encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
