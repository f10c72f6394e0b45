package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safeai-dev/safeai/internal/adapter/inbound/hook"
	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/service"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Run as a one-shot stdio hook for a coding agent",
	Long: `Reads one JSON envelope from stdin and exits with:

  0  the action is allowed (redacted output, if any, on stdout)
  1  the action is blocked (reason on stdout)
  2  the envelope could not be processed

Intended to be invoked from a coding agent's pre/post tool-use hooks.`,
	Run: runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stdout, "load config: %v\n", err)
		os.Exit(hook.ExitError)
	}

	// Hook logs go to stderr so stdout stays reserved for the verdict.
	logger := newLogger(cfg.Server.LogLevel)

	enforcer, err := service.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stdout, "initialize engine: %v\n", err)
		os.Exit(hook.ExitError)
	}
	runner := hook.NewRunner(enforcer, logger)
	code := runner.Run(context.Background(), os.Stdin, os.Stdout)
	if cerr := enforcer.Close(); cerr != nil {
		logger.Error("engine close error", "error", cerr)
	}
	os.Exit(code)
}
