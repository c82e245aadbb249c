package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/logger"
	"github.com/samcharles93/zerothermal/internal/model"
)

func initCmd() *cli.Command {
	var (
		configFile string
		outPath    string
		dtype      string
		seed       int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Build a freshly initialised model and write it as a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "model config (.yaml or .json); defaults apply when omitted",
				Destination: &configFile,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Destination: &outPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "parameter encoding (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtype,
			},
			&cli.IntFlag{
				Name:        "seed",
				Usage:       "override the config seed",
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyInitConfig(c, userConfig(), &dtype)

			cfg := model.DefaultConfig()
			if configFile != "" {
				var err error
				if cfg, err = model.LoadConfig(configFile); err != nil {
					return err
				}
			}
			if c.IsSet("seed") {
				cfg.Seed = seed
			}
			dt, err := parseDType(dtype)
			if err != nil {
				return err
			}

			m, err := model.New(cfg, model.Options{Logger: log})
			if err != nil {
				return err
			}
			id, err := m.Save(outPath, dt)
			if err != nil {
				return err
			}
			log.Info("checkpoint written", "path", outPath, "id", id)

			w := stdout(c)
			_, _ = fmt.Fprintf(w, "id:         %s\n", id)
			_, _ = fmt.Fprintf(w, "parameters: %s\n", humanize.Comma(int64(m.NumParams())))
			_, _ = fmt.Fprintf(w, "file:       %s (%s, %s)\n", outPath, humanize.Bytes(fileSize(outPath)), dt)
			return nil
		},
	}
}
