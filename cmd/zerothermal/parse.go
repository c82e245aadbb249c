package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zerothermal/internal/safetensors"
)

// parseTokens turns "1,2,3" or "1 2 3" into ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty token list %q", s)
	}
	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token %d: %q is not an integer", i, f)
		}
		ids[i] = id
	}
	return ids, nil
}

func parseBatch(args []string) ([][]int, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one --tokens sequence is required")
	}
	batch := make([][]int, len(args))
	for i, s := range args {
		ids, err := parseTokens(s)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		batch[i] = ids
	}
	return batch, nil
}

func parseDType(s string) (safetensors.DType, error) {
	switch strings.ToLower(s) {
	case "", "f32", "float32":
		return safetensors.F32, nil
	case "f16", "float16":
		return safetensors.F16, nil
	case "bf16", "bfloat16":
		return safetensors.BF16, nil
	}
	return "", fmt.Errorf("unsupported dtype %q (want f32, f16 or bf16)", s)
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func fileSize(path string) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}
