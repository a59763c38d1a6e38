package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "brokerd",
		Short: "Resource broker daemon",
		Long: `brokerd - Resource Broker

The broker keeps pools of pre-provisioned cloud resources warm and hands
them out on demand. When a pool runs dry, requests queue durably and are
fulfilled as fresh resources report ready.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
