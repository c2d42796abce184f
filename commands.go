package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	logLevel   string
	dryRun     bool

	rootCmd = &cobra.Command{
		Use:   "sselab-risk-scores",
		Short: "Keeps a Cloudflare Gateway list in sync with high-risk users",
		Long: "Pulls Zero Trust user risk scores and replaces the contents of a Gateway list " +
			"with the users currently rated high risk.",
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled reconciler and HTTP trigger until interrupted",
		RunE:  runServe,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Perform a single reconciliation and print its summary",
		RunE:  runOnce,
	}
)

func init() {
	defaultConfig := os.Getenv("CONFIG_FILE")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the list update without sending it")

	rootCmd.AddCommand(serveCmd, runCmd)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stdout, logLevel)
	cfg, cfgMap := loadSettings(logger, configPath)

	a := newApp(logger, cfg, cfgMap)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.mgr.Init(ctx); err != nil {
		logger.Error("Failed to initialize modules", "error", err)
		return err
	}
	a.mgr.Start(ctx)

	<-ctx.Done()
	logger.Info("Received signal, shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	a.mgr.Stop(stopCtx)
	logger.Info("Shutdown complete")
	return nil
}

// runOnce logs to stderr so stdout carries only the summary.
func runOnce(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd.ErrOrStderr(), logLevel)
	cfg, cfgMap := loadSettings(logger, configPath)
	if dryRun {
		cfg.DryRun = true
	}

	a := newApp(logger, cfg, cfgMap)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.mgr.Init(ctx); err != nil {
		logger.Error("Failed to initialize modules", "error", err)
		return err
	}
	defer a.mgr.Stop(context.Background())

	summary, err := a.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
