package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// UserConfig is the optional per-user file
// ($XDG_CONFIG_HOME/zerothermal/config.yaml). Pointer fields distinguish
// "not set" from zero values. Flags given on the command line always win.
type UserConfig struct {
	Model     string `yaml:"model"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DType     string `yaml:"dtype"`

	TopK        *int64   `yaml:"top_k"`
	Temperature *float64 `yaml:"temperature"`
	Seed        *int64   `yaml:"seed"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "zerothermal", "config.yaml")
}

// loadUserConfig reads path. A missing file yields a zero config.
func loadUserConfig(path string) (UserConfig, error) {
	var cfg UserConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return UserConfig{}, err
	}
	return cfg, nil
}

// userConfig loads the default config file, ignoring a broken one so the
// CLI stays usable.
func userConfig() UserConfig {
	cfg, err := loadUserConfig(configPath())
	if err != nil {
		return UserConfig{}
	}
	return cfg
}

func applyLoggingConfig(c *cli.Command, cfg UserConfig) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyModelConfig(c *cli.Command, cfg UserConfig, modelPath *string) {
	if cfg.Model != "" && !c.IsSet("model") {
		*modelPath = cfg.Model
	}
}

func applyRunConfig(c *cli.Command, cfg UserConfig, topK *int64, temp *float64, seed *int64) {
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		*temp = *cfg.Temperature
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

func applyInitConfig(c *cli.Command, cfg UserConfig, dtype *string) {
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = strings.ToLower(cfg.DType)
	}
}
