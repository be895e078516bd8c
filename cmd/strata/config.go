package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/topology"
)

// Config is the optional strata configuration file
// (~/.config/strata/config.yaml). Pointer fields distinguish "not set" from
// zero values. Command-line flags always win.
type Config struct {
	Model    string `yaml:"model"`
	Topology string `yaml:"topology"`
	Name     string `yaml:"name"`
	Device   string `yaml:"device"`
	DType    string `yaml:"dtype"`

	MaxContext *int64 `yaml:"max_context"`

	DialTimeout    *time.Duration `yaml:"dial_timeout"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	Seed          *int64   `yaml:"seed"`
	MaxTokens     *int64   `yaml:"max_tokens"`

	// Worker
	Listen string `yaml:"listen"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is a configuration error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %v", topology.ErrConfig, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", topology.ErrConfig, path, err)
	}
	return cfg, nil
}

func setString(c *cli.Command, flag string, dst *string, v string) {
	if v != "" && !c.IsSet(flag) {
		*dst = v
	}
}

func setValue[T any](c *cli.Command, flag string, dst *T, v *T) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	setString(c, "log-level", &logLevel, cfg.LogLevel)
	setString(c, "log-format", &logFormat, cfg.LogFormat)
}

// applyNodeConfig fills node, client and sampling flags from the config file
// when they were not given explicitly.
func applyNodeConfig(c *cli.Command, cfg Config) {
	setString(c, "model", &modelPath, cfg.Model)
	setString(c, "topology", &topologyPath, cfg.Topology)
	setString(c, "name", &nodeName, cfg.Name)
	setString(c, "device", &device, cfg.Device)
	setString(c, "dtype", &dtype, cfg.DType)
	setValue(c, "max-context", &maxContext, cfg.MaxContext)
	setValue(c, "dial-timeout", &dialTimeout, cfg.DialTimeout)
	setValue(c, "request-timeout", &requestTimeout, cfg.RequestTimeout)
}

func applySamplingConfig(c *cli.Command, cfg Config) {
	setValue(c, "temperature", &temperature, cfg.Temperature)
	setValue(c, "top-k", &topK, cfg.TopK)
	setValue(c, "top-p", &topP, cfg.TopP)
	setValue(c, "min-p", &minP, cfg.MinP)
	setValue(c, "repeat-penalty", &repeatPenalty, cfg.RepeatPenalty)
	setValue(c, "seed", &seed, cfg.Seed)
	setValue(c, "max-tokens", &maxTokens, cfg.MaxTokens)
}
