package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dj-oyu/vitals-bridge/internal/config"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	logLevel   string
	logColor   bool

	// cfg is loaded once in PersistentPreRunE and then adjusted by the
	// running subcommand's flags.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "vitals-bridge",
	Short:         "Bridge between a contactless vitals sensor, a video producer and a telemetry sink",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if flags.Changed("log-color") {
			cfg.Log.Color = logColor
		}
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger.Init(level, os.Stderr, cfg.Log.Color)
		return nil
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .jsonc); defaults to $"+config.EnvConfigPath)
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	pf.BoolVar(&logColor, "log-color", false, "Enable colored log output")
}

// override copies a flag value into dst when the flag was set explicitly,
// so config file values survive unset flags.
func override[T any](fs *pflag.FlagSet, name string, dst *T, value T) {
	if fs.Changed(name) {
		*dst = value
	}
}
