// Package cmd implements the CLI commands for voxdub.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/voxdub/voxdub/internal/config"
	"github.com/voxdub/voxdub/internal/observability"
	"github.com/voxdub/voxdub/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "voxdub",
	Short:   "Video dubbing pipeline orchestration service",
	Version: version.Short(),
	Long: `voxdub orchestrates a multi-stage video dubbing pipeline: speaker
diarization, subtitle translation, voice cloning, audio stitching, and
video export.

Stage work is delegated to external worker processes (one runtime per
stage); voxdub owns durable task state, GPU serialization, batch
scheduling, and the progress push channel.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags. These are NOT bound to viper; loadConfig checks
	// Changed() and only then overrides config/env values. This preserves
	// the priority: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/voxdub, $HOME/.voxdub)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig loads the configuration and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := rootCmd.PersistentFlags()
	overrideString(flags, "log-level", &cfg.Logging.Level)
	overrideString(flags, "log-format", &cfg.Logging.Format)

	// Handle "warning" as an alias for "warn".
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	return cfg, nil
}

// overrideString copies a flag value into dst only when the user set the
// flag explicitly, preserving the priority: CLI flag > env var > config >
// default.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		*dst = strings.ToLower(v)
	}
}

// setupLogging installs the process-wide logger from configuration.
func setupLogging(cfg *config.Config) {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
}
