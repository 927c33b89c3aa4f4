// Package main provides the linerec command line tool.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/born-ml/linerec/internal/config"
	"github.com/born-ml/linerec/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "v0.1.0-dev"

// app carries the state shared by all commands.
type app struct {
	configPath string
	device     string
	decoder    string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "linerec",
		Short: "linerec - text line recognition with legacy model support",
		Long: `linerec loads OCR line recognition networks saved in the .born format
or in the older clstm, pronn and pyrnn formats, and recognises text lines.

Lines are read from PNG/JPEG images or from SafeTensors files holding a
(C, H, W) float32 tensor.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultConfigPath()+")")
	flags.StringVar(&a.device, "device", "", "device to run on (cpu, cuda, mps)")
	flags.StringVar(&a.decoder, "decoder", "", "CTC decoder (greedy, blank_threshold, beam)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newVersionCmd(),
		newShowCmd(a),
		newConvertCmd(a),
		newOCRCmd(a),
		newFeaturesCmd(a),
	)
	return root
}

// setup loads the config, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device = a.device
	}
	if flags.Changed("decoder") {
		cfg.Decoder.Kind = a.decoder
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// loadConfig reads path, or the default config file when path is empty.
// A missing default file yields the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.Load(config.DefaultConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linerec %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
