package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/logger"
	"github.com/samcharles93/zerothermal/internal/logits"
	"github.com/samcharles93/zerothermal/internal/model"
)

func runCmd() *cli.Command {
	var (
		modelPath string
		tokens    []string
		topK      int64
		temp      float64
		seed      int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a forward pass and show next-token candidates for each sequence",
		Flags: []cli.Flag{
			modelFlag(&modelPath, false),
			&cli.StringSliceFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "comma separated token ids; repeat for a batch of equal-length sequences",
				Destination: &tokens,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "candidates to list per sequence",
				Value:       5,
				Destination: &topK,
			},
			&cli.FloatFlag{
				Name:        "temperature",
				Aliases:     []string{"temp"},
				Usage:       "sampling temperature for the picked token (0 = greedy)",
				Destination: &temp,
			},
			&cli.IntFlag{
				Name:        "seed",
				Usage:       "sampling seed",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := userConfig()
			applyModelConfig(c, cfg, &modelPath)
			applyRunConfig(c, cfg, &topK, &temp, &seed)
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			batch, err := parseBatch(tokens)
			if err != nil {
				return err
			}
			m, err := model.Load(modelPath, model.Options{Logger: log})
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := m.Forward(batch)
			if err != nil {
				return err
			}
			log.Info("forward done",
				"batch", out.Batch,
				"seq", out.Seq,
				"vocab", out.Vocab,
				"elapsed", time.Since(start),
			)

			sampler := logits.NewSampler(logits.SamplerConfig{
				Seed:        seed,
				Temperature: float32(temp),
				TopK:        int(topK),
			})
			renderCandidates(stdout(c), &out, int(topK), sampler)
			return nil
		},
	}
}

// renderCandidates prints the top-k logits at the last position of every
// sequence, plus the id the sampler picks there.
func renderCandidates(w io.Writer, out *model.Logits, k int, sampler *logits.Sampler) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"seq", "rank", "token", "logit", "prob"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAutoFormatHeaders(false)

	picks := make([]int, out.Batch)
	for b := 0; b < out.Batch; b++ {
		row := out.At(b, out.Seq-1)
		for rank, cand := range logits.TopK(row, k) {
			table.Append([]string{
				strconv.Itoa(b),
				strconv.Itoa(rank + 1),
				strconv.Itoa(cand.ID),
				strconv.FormatFloat(float64(cand.Logit), 'f', 4, 32),
				strconv.FormatFloat(float64(cand.Prob), 'f', 4, 32),
			})
		}
		picks[b] = sampler.Sample(row)
	}
	table.Render()

	for b, id := range picks {
		_, _ = fmt.Fprintf(w, "seq %d next: %d\n", b, id)
	}
}
