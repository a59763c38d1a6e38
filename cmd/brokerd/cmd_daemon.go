package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/internal/daemon"
	"github.com/envpool/broker/telemetry"
)

var (
	daemonConfigPath string
	daemonDebug      bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the resource broker",
	Long: `Run the broker daemon: pool watchers, request queues, and the
metrics endpoint.

The daemon reconciles pool request queues, tops pools up to their target
size, reports pool state, and cleans up resources orphaned by removed
pool definitions. Prometheus metrics and the health probe are served on
the configured metrics address.`,
	Example: `  brokerd daemon --config broker.yaml
  brokerd daemon --config broker.yaml --debug`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonConfigPath, "config", "broker.yaml", "Configuration file")
	daemonCmd.Flags().BoolVar(&daemonDebug, "debug", false, "Enable debug logging")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := telemetry.NewLogger("brokerd")

	cfg, err := config.Load(daemonConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	defer func() { _ = d.Close() }()

	logger.Info().
		Str("provider", cfg.Provider).
		Str("data_dir", cfg.DataDir).
		Int("pools", len(cfg.Pools)).
		Msg("broker daemon starting")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Fprintln(os.Stdout, "daemon stopped")
	return nil
}
