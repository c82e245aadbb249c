package model

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/zerothermal/internal/logger"
	"github.com/samcharles93/zerothermal/internal/nn"
	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Options carries collaborators that are not part of Config. Zero values
// select the defaults.
type Options struct {
	Logger logger.Logger
	// NewAttention builds the attention operator of one layer. The default
	// is nn.MultiHeadAttention, quantized when cfg.QuantizeAttention is set.
	NewAttention func(layer int, cfg Config) nn.Attention
	// NewDropout builds the residual dropout of one layer. The default is
	// nn.Bernoulli with cfg.DropoutRate.
	NewDropout func(layer int, cfg Config) nn.Dropout
}

// Transformer maps token ids to vocabulary logits through an embedding, a
// stack of Blocks, a final RMSNorm and an output projection.
type Transformer struct {
	Config     Config
	Embedding  *nn.Embedding
	Positional *nn.Positional
	Layers     []*Block
	Norm       *nn.RMSNorm
	Head       nn.Projection

	// ID is the checkpoint id this model was last saved to or loaded from.
	ID string

	log logger.Logger
}

func layerSeed(cfg Config, layer, slot int) int64 {
	return cfg.Seed + int64(layer+1)*1000 + int64(slot)*100
}

func defaultAttention(layer int, cfg Config) nn.Attention {
	seed := layerSeed(cfg, layer, 1)
	if cfg.QuantizeAttention {
		return nn.NewBitMultiHeadAttention(cfg.DModel, cfg.NHead, cfg.Causal, cfg.QuantEpsilon, seed)
	}
	return nn.NewMultiHeadAttention(cfg.DModel, cfg.NHead, cfg.Causal, seed)
}

func defaultDropout(layer int, cfg Config) nn.Dropout {
	return nn.NewBernoulli(cfg.DropoutRate, layerSeed(cfg, layer, 3))
}

// New validates cfg and builds a freshly initialised model. The same config
// and seed always produce the same parameters.
func New(cfg Config, opts Options) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := nn.ParseActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.NewAttention == nil {
		opts.NewAttention = defaultAttention
	}
	if opts.NewDropout == nil {
		opts.NewDropout = defaultDropout
	}

	m := &Transformer{
		Config:     cfg,
		Embedding:  nn.NewEmbedding(cfg.VocabSize, cfg.DModel, cfg.Seed),
		Positional: nn.NewPositional(cfg.MaxSeqLen, cfg.DModel),
		Layers:     make([]*Block, cfg.NumLayers),
		Norm:       nn.NewRMSNorm(cfg.DModel, cfg.NormEpsilon),
		log:        opts.Logger,
	}
	for i := range m.Layers {
		m.Layers[i] = &Block{
			Norm1:   nn.NewRMSNorm(cfg.DModel, cfg.NormEpsilon),
			Norm2:   nn.NewRMSNorm(cfg.DModel, cfg.NormEpsilon),
			Attn:    opts.NewAttention(i, cfg),
			FFN:     nn.NewFeedForward(cfg.DModel, cfg.DimFeedforward, act, cfg.Bias, cfg.QuantEpsilon, layerSeed(cfg, i, 2)),
			Dropout: opts.NewDropout(i, cfg),
		}
	}
	headSeed := layerSeed(cfg, cfg.NumLayers, 0)
	if cfg.FullPrecisionHead {
		m.Head = nn.NewLinear(cfg.DModel, cfg.VocabSize, cfg.Bias, headSeed)
	} else {
		m.Head = nn.NewBitLinear(cfg.DModel, cfg.VocabSize, cfg.Bias, cfg.QuantEpsilon, headSeed)
	}

	m.log.Debug("model built",
		"layers", cfg.NumLayers,
		"d_model", cfg.DModel,
		"vocab", cfg.VocabSize,
		"params", m.NumParams(),
		"quantized_head", !cfg.FullPrecisionHead,
		"quantized_attention", cfg.QuantizeAttention,
	)
	return m, nil
}

// Logits holds one row of vocabulary scores per input position, laid out
// as [Batch*Seq, Vocab]; the logical shape is [Batch, Seq, Vocab].
type Logits struct {
	Batch, Seq, Vocab int
	tensor.Mat
}

func (l *Logits) Shape() []int { return []int{l.Batch, l.Seq, l.Vocab} }

// At returns the scores of sequence b at position t.
func (l *Logits) At(b, t int) []float32 { return l.Row(b*l.Seq + t) }

// checkBatch validates batch geometry before any table is indexed and
// returns the common sequence length.
func (m *Transformer) checkBatch(tokens [][]int) (int, error) {
	if len(tokens) == 0 {
		return 0, nn.ConfigErrorf("transformer", "empty batch")
	}
	seqLen := len(tokens[0])
	if seqLen == 0 {
		return 0, nn.ConfigErrorf("transformer", "empty sequence")
	}
	for i, seq := range tokens {
		if len(seq) != seqLen {
			return 0, nn.ConfigErrorf("transformer", "ragged batch: sequence %d has length %d, sequence 0 has %d", i, len(seq), seqLen)
		}
	}
	if seqLen > m.Config.MaxSeqLen {
		return 0, nn.ConfigErrorf("transformer", "sequence length %d exceeds max_seq_len %d", seqLen, m.Config.MaxSeqLen)
	}
	return seqLen, nil
}

// Forward computes logits for a batch of equal-length token sequences.
func (m *Transformer) Forward(tokens [][]int) (Logits, error) {
	seqLen, err := m.checkBatch(tokens)
	if err != nil {
		return Logits{}, err
	}
	batch := len(tokens)

	x := tensor.NewMat(batch*seqLen, m.Config.DModel)
	for b, seq := range tokens {
		for t, id := range seq {
			if err := m.Embedding.Lookup(id, x.Row(b*seqLen+t)); err != nil {
				return Logits{}, fmt.Errorf("sequence %d position %d: %w", b, t, err)
			}
		}
		rows := x.RowsView(b*seqLen, (b+1)*seqLen)
		if err := m.Positional.AddTo(&rows); err != nil {
			return Logits{}, err
		}
	}

	for i, layer := range m.Layers {
		x, err = layer.Forward(&x, seqLen)
		if err != nil {
			return Logits{}, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	h, err := m.Norm.Forward(&x)
	if err != nil {
		return Logits{}, err
	}
	out, err := m.Head.Forward(&h)
	if err != nil {
		return Logits{}, fmt.Errorf("output head: %w", err)
	}
	return Logits{Batch: batch, Seq: seqLen, Vocab: m.Config.VocabSize, Mat: out}, nil
}

// SetTraining switches every dropout that supports it between training and
// inference behaviour.
func (m *Transformer) SetTraining(on bool) {
	for _, l := range m.Layers {
		if d, ok := l.Dropout.(interface{ SetTraining(bool) }); ok {
			d.SetTraining(on)
		}
	}
}

// Params lists every parameter under a stable name. Data aliases the model,
// so writes through it update the model in place.
func (m *Transformer) Params() []nn.Param {
	ps := m.Embedding.Params("embedding")
	ps = append(ps, m.Positional.Params("pos_embedding")...)
	for i, l := range m.Layers {
		ps = append(ps, l.Params("layers."+strconv.Itoa(i))...)
	}
	ps = append(ps, m.Norm.Params("norm")...)
	ps = append(ps, m.Head.Params("head")...)
	return ps
}

// NumParams counts scalar parameters.
func (m *Transformer) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Data)
	}
	return n
}

// BitLinears returns every quantized projection keyed by parameter prefix,
// for inspection and export.
func (m *Transformer) BitLinears() map[string]*nn.BitLinear {
	out := make(map[string]*nn.BitLinear)
	for i, l := range m.Layers {
		prefix := "layers." + strconv.Itoa(i)
		out[prefix+".ffn.up"] = l.FFN.Up
		out[prefix+".ffn.down"] = l.FFN.Down
		if mha, ok := l.Attn.(*nn.MultiHeadAttention); ok {
			for name, p := range map[string]nn.Projection{"q": mha.Q, "k": mha.K, "v": mha.V, "o": mha.O} {
				if bl, ok := p.(*nn.BitLinear); ok {
					out[prefix+".attn."+name] = bl
				}
			}
		}
	}
	if bl, ok := m.Head.(*nn.BitLinear); ok {
		out["head"] = bl
	}
	return out
}
