package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
	"github.com/tjfontaine/erp-mcp-gateway/internal/runtime"
	"github.com/tjfontaine/erp-mcp-gateway/internal/telemetry"
	"github.com/tjfontaine/erp-mcp-gateway/pkg/gateway"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "erp-gateway",
		Short: "MCP tool gateway for ERP systems",
		Long: `erp-gateway exposes ERP operations as MCP tools over HTTP and stdio,
with authentication, rate limiting, audit logging, webhooks and automatic
transport failover.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the REST and JSON-RPC endpoints over HTTP",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, os.Stdout, func(ctx context.Context, gw *gateway.Gateway) error {
					return gw.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "stdio",
			Short: "Serve MCP over stdin and stdout",
			Long: `Serve newline-delimited JSON-RPC on stdin and stdout. Logs and traces go
to stderr. Every call authenticates with auth.stdio_token.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, os.Stderr, func(ctx context.Context, gw *gateway.Gateway) error {
					return gw.ServeStdio(ctx, os.Stdin, os.Stdout)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", runtime.ServiceName, runtime.Version)
			},
		},
	)
	return cmd
}

// run builds a gateway from configPath and hands it to serve until SIGINT
// or SIGTERM. Logs and traces are written to out.
func run(parent context.Context, configPath string, out io.Writer, serve func(context.Context, *gateway.Gateway) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(cfg.Log, out)
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(runtime.ServiceName, runtime.Version, out, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	gw, err := gateway.New(
		gateway.WithLogger(logger),
		gateway.WithFileConfig(configPath),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := serve(ctx, gw); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown signal received")
	return nil
}
