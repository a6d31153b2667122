// Package main is the flagkit command.
//
//	flagkit serve    run the HTTP API
//	flagkit migrate  apply database migrations and exit
//
// Both commands read their configuration from the environment (see
// internal/config); flags override individual values.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("flagkit failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flagkit",
		Short: "Feature flag evaluation server",
		Long: `flagkit stores environment scoped feature flags, evaluates them against
request contexts and keeps an audit trail of every decision.

Examples:
  flagkit serve --addr :8080
  STORE_DRIVER=postgres DATABASE_URL=postgres://... flagkit migrate`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}
