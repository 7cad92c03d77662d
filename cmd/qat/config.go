package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qat/internal/recipe"
)

// Config represents the qat configuration file (~/.config/qat/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Recipe string `yaml:"recipe"`
	OutDir string `yaml:"out_dir"`

	Steps *int   `yaml:"steps"`
	Seed  *int64 `yaml:"seed"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qat", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyTrainConfig applies config file defaults to train command variables
// when the corresponding flag was not set.
func applyTrainConfig(c *cli.Command, cfg Config, outDir *string, steps *int64, seed *int64) {
	if cfg.Recipe != "" && !c.IsSet("recipe") {
		recipePath = cfg.Recipe
	}
	if cfg.OutDir != "" && !c.IsSet("out") {
		*outDir = cfg.OutDir
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = int64(*cfg.Steps)
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.Recipe != "" && !c.IsSet("recipe") {
		recipePath = cfg.Recipe
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// loadRecipe loads the recipe at path, or the default recipe when path is
// empty.
func loadRecipe(path string) (recipe.Recipe, error) {
	if path == "" {
		return recipe.Default(), nil
	}
	return recipe.Load(path)
}
