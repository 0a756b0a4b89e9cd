package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline, capacity and dispatch health for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Pipeline.Stats(ctx, tenantFlag)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	addTenantFlag(statsCmd)
	statsCmd.Flags().Bool("json", false, "print the raw snapshot as JSON")
	rootCmd.AddCommand(statsCmd)
}
