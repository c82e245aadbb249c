package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/samcharles93/zerothermal/internal/logits"
	"github.com/samcharles93/zerothermal/internal/model"
	"github.com/samcharles93/zerothermal/internal/safetensors"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

func TestParseTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []int
	}{
		{"1,2,3", []int{1, 2, 3}},
		{" 4 5\t6 ", []int{4, 5, 6}},
		{"7, 8", []int{7, 8}},
	}
	for _, tc := range tests {
		got, err := parseTokens(tc.in)
		if err != nil {
			t.Fatalf("parseTokens(%q): %v", tc.in, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("parseTokens(%q) = %v", tc.in, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("parseTokens(%q) = %v", tc.in, got)
			}
		}
	}
	for _, bad := range []string{"", " , ", "1,x"} {
		if _, err := parseTokens(bad); err == nil {
			t.Errorf("parseTokens(%q): expected error", bad)
		}
	}
	if _, err := parseBatch(nil); err == nil {
		t.Error("parseBatch(nil): expected error")
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]safetensors.DType{"": safetensors.F32, "F16": safetensors.F16, "bf16": safetensors.BF16} {
		got, err := parseDType(in)
		if err != nil || got != want {
			t.Errorf("parseDType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseDType("u8"); err == nil {
		t.Error("expected error for u8")
	}
}

func TestLoadUserConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := loadUserConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil || cfg.Model != "" {
		t.Fatalf("missing file: %+v, %v", cfg, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("model: /m.safetensors\nlog_format: json\ntop_k: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadUserConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "/m.safetensors" || cfg.LogFormat != "json" || cfg.TopK == nil || *cfg.TopK != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Temperature != nil {
		t.Fatal("unset fields must stay nil")
	}

	if err := os.WriteFile(path, []byte("top_k: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadUserConfig(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func testModel(t *testing.T) *model.Transformer {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.VocabSize = 20
	cfg.DModel = 8
	cfg.NHead = 2
	cfg.NumLayers = 1
	cfg.DimFeedforward = 16
	cfg.MaxSeqLen = 4
	m, err := model.New(cfg, model.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRenderCandidates(t *testing.T) {
	t.Parallel()
	m := testModel(t)
	out, err := m.Forward([][]int{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	renderCandidates(&buf, &out, 3, logits.NewSampler(logits.SamplerConfig{}))

	text := buf.String()
	for _, want := range []string{"seq", "rank", "prob", "seq 0 next:", "seq 1 next:"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in\n%s", want, text)
		}
	}
	greedy := logits.TopK(out.At(0, 2), 1)[0].ID
	if !strings.Contains(text, "seq 0 next: "+strconv.Itoa(greedy)+"\n") {
		t.Fatalf("greedy pick %d not reported in\n%s", greedy, text)
	}
}

func TestTernaryStatsDenseAndPacked(t *testing.T) {
	t.Parallel()
	m := testModel(t)
	dir := t.TempDir()
	dense := filepath.Join(dir, "m.safetensors")
	packed := filepath.Join(dir, "m.ternary.safetensors")
	if _, err := m.Save(dense, safetensors.F32); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExportPacked(packed, quant.Ternary{Eps: m.Config.QuantEpsilon}, m.ID); err != nil {
		t.Fatal(err)
	}

	var results [2][]layerStats
	for i, path := range []string{dense, packed} {
		f, err := safetensors.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		results[i], err = ternaryStats(f, m.Config, nil)
		_ = f.Close()
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
	}
	if len(results[0]) != len(m.BitLinears()) {
		t.Fatalf("got %d layers, want %d", len(results[0]), len(m.BitLinears()))
	}
	for i := range results[0] {
		if results[0][i] != results[1][i] {
			t.Errorf("dense %+v != packed %+v", results[0][i], results[1][i])
		}
	}

	var buf bytes.Buffer
	renderTernaryStats(&buf, results[0])
	if !strings.Contains(buf.String(), "head.weight") {
		t.Fatalf("missing head row in\n%s", buf.String())
	}
}
