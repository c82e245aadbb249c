package logits

import (
	"math"
	"math/rand"
)

// Candidate is one ranked entry of a logits row.
type Candidate struct {
	ID    int
	Logit float32
	Prob  float32 // softmax probability over the full row
}

// TopK returns the k highest logits, largest first. Equal logits keep
// ascending id order. Probabilities are taken over the whole row.
func TopK(row []float32, k int) []Candidate {
	k = min(k, len(row))
	if k <= 0 {
		return nil
	}
	top := make([]Candidate, 0, k+1)
	for i, v := range row {
		pos := len(top)
		for pos > 0 && top[pos-1].Logit < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, Candidate{})
		copy(top[pos+1:], top[pos:])
		top[pos] = Candidate{ID: i, Logit: v}
		if len(top) > k {
			top = top[:k]
		}
	}

	maxv := top[0].Logit
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxv))
	}
	for i := range top {
		top[i].Prob = float32(math.Exp(float64(top[i].Logit-maxv)) / sum)
	}
	return top
}

// SamplerConfig configures a Sampler. Temperature <= 0 selects greedy
// decoding.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler picks a token id from a logits row. It is not safe for
// concurrent use.
type Sampler struct {
	cfg    SamplerConfig
	rng    *rand.Rand
	greedy bool
	prob   []float64
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		greedy: greedy,
	}
}

// Sample draws one id: scale by 1/temperature, keep the top k, truncate to
// the smallest prefix whose mass reaches TopP, then draw.
func (s *Sampler) Sample(row []float32) int {
	if len(row) == 0 {
		return -1
	}
	if s.greedy || s.cfg.TopK == 1 {
		return argmax(row)
	}

	top := TopK(row, s.cfg.TopK)
	inv := 1 / float64(s.cfg.Temperature)
	if cap(s.prob) < len(top) {
		s.prob = make([]float64, len(top))
	}
	prob := s.prob[:len(top)]
	var sum float64
	for i, c := range top {
		prob[i] = math.Exp(float64(c.Logit-top[0].Logit) * inv)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}
	var mass float64
	for _, p := range prob[:cut] {
		mass += p
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return top[i].ID
		}
	}
	return top[cut-1].ID
}

// argmax returns the first index of the largest value.
func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
