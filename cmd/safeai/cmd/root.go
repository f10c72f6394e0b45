// Package cmd provides the CLI commands for the safeai engine.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/safeai-dev/safeai/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "safeai",
	Short: "safeai - runtime policy enforcement for AI agents",
	Long: `safeai enforces policies on data and actions crossing four boundaries
of an AI agent: input, output, action (tool calls), and memory. Every
event yields one decision (allow, redact, block, require_approval) and
one audit record.

It runs as an HTTP sidecar/gateway (safeai serve) or as a stdio hook
invoked by coding agents (safeai hook).

Configuration:
  Config is loaded from safeai.yaml in the current directory,
  $HOME/.safeai/, or /etc/safeai/; --config or SAFEAI_CONFIG override.

  Environment variables override config values with the SAFEAI_ prefix.
  Example: SAFEAI_SERVER_HTTP_ADDR=:9090`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./safeai.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger from the configured level.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel converts a config level string; unrecognized values fall
// back to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
