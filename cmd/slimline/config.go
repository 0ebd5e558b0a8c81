package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the slimline configuration file (~/.config/slimline/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	WorkDir   string `yaml:"work_dir"`
	// Ledger is a sqlite file that records every transformation and evaluation.
	Ledger string `yaml:"ledger"`

	Threads   *int    `yaml:"threads"`
	Workers   *int    `yaml:"workers"`
	SeqLen    *int    `yaml:"seq_len"`
	Seed      *uint64 `yaml:"seed"`
	Overwrite *bool   `yaml:"overwrite"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress  string `yaml:"server_address"`
	AllowTransform *bool  `yaml:"allow_transform"`
}

// fileConfig is loaded once before any command runs.
var fileConfig Config

func configPath() string {
	if p := os.Getenv("SLIMLINE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "slimline", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyComputeConfig(c *cli.Command, cfg Config) {
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyOutputConfig applies the overwrite default of commands that write an
// artifact.
func applyOutputConfig(c *cli.Command, cfg Config) {
	if cfg.Overwrite != nil && !c.IsSet("overwrite") {
		overwrite = *cfg.Overwrite
	}
}

func applySeqLenConfig(c *cli.Command, cfg Config, seqLen *int) {
	if cfg.SeqLen != nil && !c.IsSet("seq-len") {
		*seqLen = *cfg.SeqLen
	}
}

func applyLedgerConfig(c *cli.Command, cfg Config, ledgerPath *string) {
	if cfg.Ledger != "" && !c.IsSet("ledger") {
		*ledgerPath = cfg.Ledger
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr, modelsPath, workDir *string, allowTransform *bool) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		*modelsPath = cfg.ModelsDir
	}
	if cfg.WorkDir != "" && !c.IsSet("work-dir") {
		*workDir = cfg.WorkDir
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.AllowTransform != nil && !c.IsSet("allow-transform") {
		*allowTransform = *cfg.AllowTransform
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	return parseConfig(data)
}

func parseConfig(data []byte) Config {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func applySeedConfig(c *cli.Command, cfg Config, seed *uint64) {
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}
