package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/safeai-dev/safeai/internal/adapter/inbound/httpapi"
	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/observability"
	"github.com/safeai-dev/safeai/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enforcement engine as an HTTP sidecar or gateway",
	Long: `Starts the HTTP server and serves the /v1 API until interrupted.

In sidecar mode (default) the server enforces boundaries for a single
agent. In gateway mode (proxy_mode: gateway) tool interceptions must
carry source and destination agent identities.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("loaded config", "file", used)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enforcer, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer func() {
		if cerr := enforcer.Close(); cerr != nil {
			logger.Error("engine close error", "error", cerr)
		}
	}()

	opts := []httpapi.Option{httpapi.WithLogger(logger)}
	if cfg.Telemetry.Enabled {
		provider, err := observability.New(ctx, observability.Config{
			Enabled:        true,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			OutputPath:     cfg.Telemetry.OutputPath,
			SampleRate:     cfg.Telemetry.SampleRate,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize tracing: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := provider.Shutdown(shutCtx); serr != nil {
				logger.Error("tracing shutdown error", "error", serr)
			}
		}()
		opts = append(opts, httpapi.WithTracer(provider.Tracer()))
	}

	if cfg.Policies.PollInterval != "" {
		interval, perr := time.ParseDuration(cfg.Policies.PollInterval)
		if perr != nil {
			return fmt.Errorf("invalid policies.poll_interval %q: %w", cfg.Policies.PollInterval, perr)
		}
		if interval > 0 {
			go enforcer.PollPolicies(ctx, interval)
		}
	}

	server := httpapi.NewServer(enforcer, cfg, opts...)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
