package nn

import (
	"fmt"

	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Embedder maps a token id to its vector.
type Embedder interface {
	Lookup(id int, dst []float32) error
	Dim() int
}

// Embedding is a [vocab, dim] lookup table.
type Embedding struct {
	Table tensor.Mat
}

var _ Embedder = (*Embedding)(nil)

// NewEmbedding returns a table initialised from N(0, 1).
func NewEmbedding(vocab, dim int, seed int64) *Embedding {
	e := &Embedding{Table: tensor.NewMat(vocab, dim)}
	tensor.FillNormal(&e.Table, seed, 1)
	return e
}

func (e *Embedding) Dim() int { return e.Table.C }

func (e *Embedding) Lookup(id int, dst []float32) error {
	if id < 0 || id >= e.Table.R {
		return fmt.Errorf("token id out of range: %d (vocab %d)", id, e.Table.R)
	}
	e.Table.RowTo(dst, id)
	return nil
}

func (e *Embedding) Params(prefix string) []Param {
	return []Param{{
		Name:  join(prefix, "weight"),
		Shape: e.Table.Shape(),
		Data:  e.Table.Data,
	}}
}

// Positional is a learned [max_len, dim] table added to the embeddings.
type Positional struct {
	Table tensor.Mat
}

// NewPositional returns a zero initialised table.
func NewPositional(maxLen, dim int) *Positional {
	return &Positional{Table: tensor.NewMat(maxLen, dim)}
}

// MaxLen is the longest sequence the table covers.
func (p *Positional) MaxLen() int { return p.Table.R }

// AddTo adds rows [0, x.R) of the table to x. Sequences longer than the
// table are a configuration error.
func (p *Positional) AddTo(x *tensor.Mat) error {
	if x.R > p.Table.R {
		return ConfigErrorf("positional", "sequence length %d exceeds max_seq_len %d", x.R, p.Table.R)
	}
	if err := checkWidth("positional", x, p.Table.C); err != nil {
		return err
	}
	for i := 0; i < x.R; i++ {
		tensor.Add(x.Row(i), p.Table.Row(i))
	}
	return nil
}

func (p *Positional) Params(prefix string) []Param {
	return []Param{{
		Name:  prefix,
		Shape: p.Table.Shape(),
		Data:  p.Table.Data,
	}}
}
