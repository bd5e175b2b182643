package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the trellis configuration file
// (~/.config/trellis/config.yaml). All fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	TensorSize   *int64 `yaml:"tensor_size"`
	DataSize     *int64 `yaml:"data_size"`
	PipelineSize *int64 `yaml:"pipeline_size"`

	GlobalBatch *int64 `yaml:"global_batch_size"`
	Seed        *int64 `yaml:"seed"`
	DataPath    string `yaml:"data_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "trellis", "config.yaml")
}

// loadConfig reads the config file at path. A missing file yields a zero
// Config and no error; a malformed file is reported.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyRunConfig applies config file defaults to run command variables when
// the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, dataPath *string, seed, globalBatch *int64) {
	if cfg.GlobalBatch != nil && !c.IsSet("global-batch") && !c.IsSet("b") {
		*globalBatch = *cfg.GlobalBatch
	}
	if cfg.TensorSize != nil && !c.IsSet("tp") && !c.IsSet("tensor-size") {
		tensorSize = *cfg.TensorSize
	}
	if cfg.DataSize != nil && !c.IsSet("dp") && !c.IsSet("data-size") {
		dataSize = *cfg.DataSize
	}
	if cfg.PipelineSize != nil && !c.IsSet("pp") && !c.IsSet("pipeline-size") {
		pipelineSize = *cfg.PipelineSize
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.DataPath != "" && !c.IsSet("data") {
		*dataPath = cfg.DataPath
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
