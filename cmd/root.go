package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "outreach-cli",
	Short: "Contact enrichment-to-dispatch pipeline",
	Long:  "Imports contact lists, meters them through capacity blocks, skip-traces and scores their phones, qualifies and ranks them, and dispatches SMS campaigns through a rotating identity pool.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// tenantFlag is shared by every tenant-scoped command.
var tenantFlag string

func addTenantFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
