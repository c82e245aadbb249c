package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:   "zerothermal",
		Usage:  "Ternary-weight transformer toolkit",
		Flags:  loggingFlags(),
		Before: setupLogging,

		// --tokens values are themselves comma separated.
		DisableSliceFlagSeparator: true,

		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			initCmd(),
			runCmd(),
			inspectCmd(),
			quantizeCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the process logger on the context, tagged with a
// per-invocation run id.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, userConfig())
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(os.Stderr, level, logFormat)
	if err != nil {
		return ctx, err
	}
	log = log.With("run_id", uuid.NewString())
	return logger.WithContext(ctx, log), nil
}
