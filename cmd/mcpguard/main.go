package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/appstate"
	"github.com/botzrDev/mcp-guard-sub000/internal/config"
	"github.com/botzrDev/mcp-guard-sub000/internal/logs"
)

var (
	configFile string
	listen     string
	logLevel   string
	devLogs    bool

	version = "v0.1.0" // injected via -ldflags at build time
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpguard",
		Short:   "MCP Guard - authentication, rate-limiting and audit gateway for MCP servers",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev-logs", false, "Use console log encoding instead of JSON")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP Guard gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address override (default: config's listen address)")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := logs.New(logs.Config{Level: logLevel, Development: devLogs})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listen
	}

	logger.Info("starting mcpguard",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Int("routes", len(cfg.Routes)))

	state, err := appstate.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("failed to build application state: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           state.Server(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}
	if err := state.Shutdown(shutdownCtx); err != nil {
		logger.Error("appstate shutdown error", zap.Error(err))
	}

	logger.Info("mcpguard stopped")
	return nil
}
