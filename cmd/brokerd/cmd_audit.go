package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/envpool/broker/wal"
)

var (
	auditDir   string
	auditSince time.Duration
)

// auditCmd replays the broker's decision journal
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Replay the broker decision journal",
	Long: `Replay the broker's journal of enqueued requests, assignments,
submitted continuations, and failures.`,
	Example: `  brokerd audit --data data
  brokerd audit --data data --since 24h`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditDir, "data", "data", "Data directory holding the journal")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this age (0 for all)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	since := time.Time{}
	if auditSince > 0 {
		since = time.Now().Add(-auditSince)
	}

	count := 0
	err := wal.Replay(auditDir, since, func(entry *wal.Entry) error {
		count++
		line := fmt.Sprintf("%s  #%d  %-22s  %s",
			entry.Timestamp.Format(time.RFC3339), entry.Sequence, entry.Type, entry.ResourceID)
		if entry.Error != "" {
			line += "  error=" + entry.Error
		}
		fmt.Println(line)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%d entries\n", count)
	return nil
}
