package model

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/zerothermal/internal/nn"
	"github.com/samcharles93/zerothermal/internal/tensor"
)

// Block is one pre-norm transformer layer:
//
//	x = x + Dropout(Attn(Norm1(x)))
//	x = x + Dropout(FFN(Norm2(x)))
type Block struct {
	Norm1, Norm2 *nn.RMSNorm
	Attn         nn.Attention
	FFN          *nn.FeedForward
	Dropout      nn.Dropout
}

// Forward runs the block over a batch stored as consecutive sequences of
// seqLen rows. Attention sees one sequence at a time. x is not modified.
func (b *Block) Forward(x *tensor.Mat, seqLen int) (tensor.Mat, error) {
	if seqLen <= 0 || x.R%seqLen != 0 {
		return tensor.Mat{}, nn.ConfigErrorf("block", "%d rows do not split into sequences of %d", x.R, seqLen)
	}
	h, err := b.Norm1.Forward(x)
	if err != nil {
		return tensor.Mat{}, err
	}
	attn, err := b.attend(&h, seqLen)
	if err != nil {
		return tensor.Mat{}, err
	}
	b.dropout(&attn)
	out := x.Clone()
	tensor.AddMat(&out, &attn)

	h, err = b.Norm2.Forward(&out)
	if err != nil {
		return tensor.Mat{}, err
	}
	ffn, err := b.FFN.Forward(&h)
	if err != nil {
		return tensor.Mat{}, err
	}
	b.dropout(&ffn)
	tensor.AddMat(&out, &ffn)
	return out, nil
}

// attend runs self-attention on every sequence of h concurrently and writes
// the results into one matrix in batch order.
func (b *Block) attend(h *tensor.Mat, seqLen int) (tensor.Mat, error) {
	out := tensor.NewMat(h.R, h.C)
	var g errgroup.Group
	for s := 0; s*seqLen < h.R; s++ {
		s := s
		start, end := s*seqLen, (s+1)*seqLen
		g.Go(func() error {
			seq := h.RowsView(start, end)
			res, err := b.Attn.Forward(&seq, &seq, &seq)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", s, err)
			}
			if res.R != seqLen || res.C != h.C {
				return nn.ConfigErrorf("attention", "returned shape %v for a %d×%d sequence", res.Shape(), seqLen, h.C)
			}
			dst := out.RowsView(start, end)
			for i := 0; i < seqLen; i++ {
				copy(dst.Row(i), res.Row(i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tensor.Mat{}, err
	}
	return out, nil
}

func (b *Block) dropout(x *tensor.Mat) {
	if b.Dropout != nil {
		b.Dropout.Apply(x)
	}
}

func (b *Block) Params(prefix string) []nn.Param {
	var ps []nn.Param
	ps = append(ps, b.Norm1.Params(prefix+".norm1")...)
	if owner, ok := b.Attn.(nn.ParamOwner); ok {
		ps = append(ps, owner.Params(prefix+".attn")...)
	}
	ps = append(ps, b.Norm2.Params(prefix+".norm2")...)
	ps = append(ps, b.FFN.Params(prefix+".ffn")...)
	return ps
}
