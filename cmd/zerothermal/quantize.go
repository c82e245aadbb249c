package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/logger"
	"github.com/samcharles93/zerothermal/internal/model"
	"github.com/samcharles93/zerothermal/pkg/quant"
)

func quantizeCmd() *cli.Command {
	var (
		modelPath string
		outPath   string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Export every BitLinear weight as packed 2-bit ternary codes plus its scale",
		Flags: []cli.Flag{
			modelFlag(&modelPath, false),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Destination: &outPath,
				Required:    true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, userConfig(), &modelPath)
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			m, err := model.Load(modelPath, model.Options{Logger: log})
			if err != nil {
				return err
			}
			scheme := quant.Ternary{Eps: m.Config.QuantEpsilon}
			stats, err := m.ExportPacked(outPath, scheme, m.ID)
			if err != nil {
				return err
			}
			log.Info("packed export written", "path", outPath, "scheme", scheme.Name(), "source_id", m.ID)

			w := stdout(c)
			_, _ = fmt.Fprintf(w, "scheme:  %s\n", scheme.Name())
			_, _ = fmt.Fprintf(w, "packed:  %d weights, %d dense tensors\n", stats.Packed, stats.Dense)
			_, _ = fmt.Fprintf(w, "payload: %s (from %s as f32, %.1fx smaller)\n",
				humanize.Bytes(uint64(stats.Bytes)),
				humanize.Bytes(uint64(stats.DenseBytes)),
				float64(stats.DenseBytes)/float64(max(stats.Bytes, 1)),
			)
			return nil
		},
	}
}
