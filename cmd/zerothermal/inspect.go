package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/logger"
	"github.com/samcharles93/zerothermal/internal/model"
	"github.com/samcharles93/zerothermal/internal/safetensors"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

func inspectCmd() *cli.Command {
	var (
		modelPath string
		filter    string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a checkpoint and the ternary statistics of every quantized weight",
		Flags: []cli.Flag{
			modelFlag(&modelPath, false),
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "substring filter for tensor names",
				Destination: &filter,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, userConfig(), &modelPath)
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			f, err := safetensors.Open(modelPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			w := stdout(c)
			renderHeader(w, f)
			renderTensors(w, f, filter)

			cfgJSON, ok := f.Metadata[model.MetaConfig]
			if !ok {
				log.Warn("no model config in metadata, skipping quantization statistics", "path", modelPath)
				return nil
			}
			cfg, err := model.ParseConfig([]byte(cfgJSON), "json")
			if err != nil {
				return fmt.Errorf("config metadata: %w", err)
			}
			stats, err := ternaryStats(f, cfg, log)
			if err != nil {
				return err
			}
			renderTernaryStats(w, stats)
			return nil
		},
	}
}

func renderHeader(w io.Writer, f *safetensors.File) {
	_, _ = fmt.Fprintf(w, "file:    %s (%s)\n", f.Path, humanize.Bytes(fileSize(f.Path)))
	for _, key := range []string{model.MetaFormat, model.MetaID, model.MetaSourceID} {
		if v, ok := f.Metadata[key]; ok {
			_, _ = fmt.Fprintf(w, "%-8s %s\n", key+":", v)
		}
	}
	_, _ = fmt.Fprintf(w, "tensors: %d\n\n", len(f.Tensors))
}

func renderTensors(w io.Writer, f *safetensors.File, filter string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"name", "dtype", "shape", "size"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var total uint64
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		info, _ := f.Tensor(name)
		size := uint64(info.End - info.Start)
		total += size
		table.Append([]string{name, string(info.DType), fmt.Sprint(info.Shape), humanize.Bytes(size)})
	}
	table.SetFooter([]string{"", "", "total", humanize.Bytes(total)})
	table.Render()
}

// layerStats describes the ternary codes of one quantized weight.
type layerStats struct {
	Name  string
	Gamma float32
	Hist  [3]int // -1, 0, +1
}

// ternaryStats computes codes and scales for every BitLinear weight in f,
// from packed codes when the file is a packed export and from the float
// weights otherwise.
func ternaryStats(f *safetensors.File, cfg model.Config, log logger.Logger) ([]layerStats, error) {
	m, err := model.New(cfg, model.Options{Logger: log})
	if err != nil {
		return nil, err
	}
	names, layers := m.SortedBitLinears()
	out := make([]layerStats, 0, len(names))
	for i, name := range names {
		bl := layers[i]
		weight := name + ".weight"
		var (
			codes []int8
			gamma float32
		)
		if _, packed := f.Tensor(weight + model.CodesSuffix); packed {
			q, err := model.ReadPacked(f, weight, bl.Out, bl.In)
			if err != nil {
				return nil, err
			}
			codes = make([]int8, bl.Out*bl.In)
			if err := quant.UnpackTernary(codes, q.Data); err != nil {
				return nil, fmt.Errorf("%s: %w", weight, err)
			}
			gamma = q.Scales[0]
		} else {
			vals, _, err := f.ReadTensorF32(weight)
			if err != nil {
				return nil, err
			}
			copy(bl.Weight.Data, vals)
			codes, gamma = bl.Codes()
		}
		out = append(out, layerStats{Name: weight, Gamma: gamma, Hist: quant.Histogram(codes)})
	}
	return out, nil
}

func renderTernaryStats(w io.Writer, stats []layerStats) {
	_, _ = fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"weight", "gamma", "-1", "0", "+1", "sparsity"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, s := range stats {
		n := s.Hist[0] + s.Hist[1] + s.Hist[2]
		sparsity := 0.0
		if n > 0 {
			sparsity = float64(s.Hist[1]) / float64(n)
		}
		table.Append([]string{
			s.Name,
			strconv.FormatFloat(float64(s.Gamma), 'g', 5, 32),
			humanize.Comma(int64(s.Hist[0])),
			humanize.Comma(int64(s.Hist[1])),
			humanize.Comma(int64(s.Hist[2])),
			strconv.FormatFloat(100*sparsity, 'f', 1, 64) + "%",
		})
	}
	table.Render()
}
