package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/storage"
)

var (
	statusConfigPath string
	statusResourceID string
)

// statusCmd inspects the broker's record store offline
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool counts or a single resource record",
	Long: `Inspect the broker's record store without running the daemon.

Without flags, prints per-pool record counts for every configured pool.
With --resource, prints the full record as JSON.`,
	Example: `  brokerd status --config broker.yaml
  brokerd status --config broker.yaml --resource 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusConfigPath, "config", "broker.yaml", "Configuration file")
	statusCmd.Flags().StringVar(&statusResourceID, "resource", "", "Print this resource record instead of pool counts")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if statusResourceID != "" {
		record, err := store.Get(ctx, statusResourceID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	fmt.Printf("%-40s  %6s  %6s  %10s  %6s\n", "POOL", "TARGET", "TOTAL", "UNASSIGNED", "READY")
	for i := range cfg.Pools {
		pool := &cfg.Pools[i]
		counts := store.CountPool(ctx, pool.PoolCode())
		fmt.Printf("%-40s  %6d  %6d  %10d  %6d\n",
			pool.PoolCode(), pool.TargetCount, counts.Total, counts.Unassigned, counts.ReadyUnassigned)
	}
	return nil
}
