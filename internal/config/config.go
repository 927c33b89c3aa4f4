// Package config loads the linerec YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/linerec/internal/ctc"
	"github.com/born-ml/linerec/internal/tensor"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Model   string        `yaml:"model"`
	Device  string        `yaml:"device"`
	Train   bool          `yaml:"train"`
	Decoder DecoderConfig `yaml:"decoder"`
	Log     LogConfig     `yaml:"log"`
}

// DecoderConfig selects the CTC decoder.
type DecoderConfig struct {
	Kind      string  `yaml:"kind"` // "greedy", "blank_threshold" or "beam"
	Threshold float32 `yaml:"threshold"`
	BeamSize  int     `yaml:"beam_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // "console" or "json"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "linerec")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Device: "cpu",
		Decoder: DecoderConfig{
			Kind:      ctc.KindGreedy,
			Threshold: 0.5,
			BeamSize:  5,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in model is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: config path is user input
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Model = expandTilde(cfg.Model)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, _, err := tensor.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	switch c.Decoder.Kind {
	case ctc.KindGreedy, ctc.KindBeam:
	case ctc.KindBlankThreshold:
		if c.Decoder.Threshold <= 0 || c.Decoder.Threshold >= 1 {
			return fmt.Errorf("decoder.threshold must be in (0, 1), got %v", c.Decoder.Threshold)
		}
	default:
		return fmt.Errorf("decoder.kind must be greedy, blank_threshold, or beam, got %q", c.Decoder.Kind)
	}
	if c.Decoder.Kind == ctc.KindBeam && c.Decoder.BeamSize < 1 {
		return fmt.Errorf("decoder.beam_size must be > 0, got %d", c.Decoder.BeamSize)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Encoding {
	case "console", "json":
	default:
		return fmt.Errorf("log.encoding must be \"console\" or \"json\", got %q", c.Log.Encoding)
	}

	return nil
}

// BuildDecoder returns the decoder the config selects.
func (d DecoderConfig) BuildDecoder() (ctc.Decoder, error) {
	return ctc.Parse(d.Kind, d.Threshold, d.BeamSize)
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
