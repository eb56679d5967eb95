// Package cmd implements the kestreld command-line entrypoint.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kestreld",
	Short: "kestreld neighbor-discovery and liveness engine",
	Long:  `kestreld tracks link-local neighbors and their liveness over IPv6 multicast hello/handshake/heartbeat exchanges.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
