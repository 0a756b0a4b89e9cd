package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// -- pull --

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Move backlog contacts into the active capacity block",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		count, _ := cmd.Flags().GetInt("count")
		sector, _ := cmd.Flags().GetString("sector")
		results, err := env.Pipeline.Pull(ctx, tenantFlag, count, sector)
		if err != nil {
			return eris.Wrap(err, "pull")
		}
		formatPullResults(os.Stdout, results)
		return nil
	},
}

// -- enrich --

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Skip-trace, score and qualify contacts in the active blocks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		block, _ := cmd.Flags().GetString("block")
		limit, _ := cmd.Flags().GetInt("limit")
		res, err := env.Pipeline.RunEnrichment(ctx, tenantFlag, block, limit)
		if res != nil {
			formatEnrichResult(os.Stdout, res)
		}
		return eris.Wrap(err, "enrich")
	},
}

// -- qualify --

var qualifyCmd = &cobra.Command{
	Use:   "qualify",
	Short: "Re-run qualification and tiering from stored phone grades",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Qualify(ctx, tenantFlag)
		if err != nil {
			return eris.Wrap(err, "qualify")
		}
		formatQualifyResult(os.Stdout, res)
		return nil
	},
}

func init() {
	addTenantFlag(pullCmd)
	pullCmd.Flags().Int("count", 0, "contacts to pull (default: configured daily quota)")
	pullCmd.Flags().String("sector", "", "only pull contacts of this sector")

	addTenantFlag(enrichCmd)
	enrichCmd.Flags().String("block", "", "limit to one block id")
	enrichCmd.Flags().Int("limit", 0, "max contacts per stage (0 = all)")

	addTenantFlag(qualifyCmd)

	rootCmd.AddCommand(pullCmd, enrichCmd, qualifyCmd)
}
