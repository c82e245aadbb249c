package logits

import (
	"math"
	"testing"
)

func TestTopKOrderAndProbabilities(t *testing.T) {
	row := []float32{0.5, 3, -1, 3, 2}
	top := TopK(row, 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(top))
	}
	wantIDs := []int{1, 3, 4}
	for i, c := range top {
		if c.ID != wantIDs[i] {
			t.Fatalf("rank %d: got id %d, want %d", i, c.ID, wantIDs[i])
		}
	}

	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v))
	}
	want := float32(math.Exp(3) / sum)
	if d := math.Abs(float64(top[0].Prob - want)); d > 1e-6 {
		t.Fatalf("prob = %v, want %v", top[0].Prob, want)
	}
}

func TestTopKClampsK(t *testing.T) {
	if got := TopK([]float32{1, 2}, 10); len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got := TopK(nil, 3); got != nil {
		t.Fatalf("expected nil for empty row, got %v", got)
	}
}

func TestSamplerDeterminism(t *testing.T) {
	row := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 5; i++ {
		if a, b := s1.Sample(row), s2.Sample(row); a != b {
			t.Fatalf("draw %d: got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	if idx := s.Sample([]float32{-1, 5, 3, 7, 2}); idx != 3 {
		t.Fatalf("expected greedy index 3, got %d", idx)
	}
	if idx := s.Sample(nil); idx != -1 {
		t.Fatalf("expected -1 for empty row, got %d", idx)
	}
}

func TestSamplerTopP(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample([]float32{10, 0, 0, 0, 0}); idx != 0 {
			t.Fatalf("top-p sampling returned %d", idx)
		}
	}
}

func TestSamplerStaysInTopK(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 5, TopK: 2})
	row := []float32{1, 4, 0, 3.9, -2}
	for i := 0; i < 50; i++ {
		if idx := s.Sample(row); idx != 1 && idx != 3 {
			t.Fatalf("sampled %d outside the top 2", idx)
		}
	}
}
