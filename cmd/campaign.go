package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/pipeline"
)

// -- campaign-ready --

var campaignReadyCmd = &cobra.Command{
	Use:   "campaign-ready",
	Short: "List ready contacts in campaign tiers, best first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		target, _ := cmd.Flags().GetInt("target")
		ranked, err := env.Pipeline.CampaignReady(ctx, tenantFlag, target)
		if err != nil {
			return eris.Wrap(err, "campaign-ready")
		}
		if len(ranked) == 0 {
			fmt.Fprintln(os.Stderr, "No campaign-ready contacts.")
			return nil
		}
		formatRanked(os.Stdout, ranked)
		return nil
	},
}

// -- campaign --

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Send a templated SMS campaign to campaign-ready contacts",
	Long:  "Template placeholders: {first_name}, {company} and {name}. The opt-out text is appended when missing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		mode := "dispatch"
		if dryRun {
			mode = ""
		}
		env, err := initPipeline(ctx, cfg, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		name, _ := cmd.Flags().GetString("name")
		template, _ := cmd.Flags().GetString("template")
		count, _ := cmd.Flags().GetInt("count")
		res, err := env.Pipeline.ExecuteCampaign(ctx, tenantFlag, pipeline.CampaignRequest{
			Campaign: name,
			Template: template,
			Count:    count,
			DryRun:   dryRun,
		})
		if err != nil {
			return eris.Wrap(err, "campaign")
		}
		formatCampaignResult(os.Stdout, res)
		return nil
	},
}

func init() {
	addTenantFlag(campaignReadyCmd)
	campaignReadyCmd.Flags().Int("target", 0, "max contacts to list (0 = all)")

	addTenantFlag(campaignCmd)
	campaignCmd.Flags().String("name", "default", "campaign name; identities may be pinned to it")
	campaignCmd.Flags().String("template", "", "message template (required)")
	campaignCmd.Flags().Int("count", 0, "max sends (default: remaining daily cap)")
	campaignCmd.Flags().Bool("dry-run", false, "select identities and render messages without sending")
	_ = campaignCmd.MarkFlagRequired("template")

	rootCmd.AddCommand(campaignReadyCmd, campaignCmd)
}
