package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered stage jobs",
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rerun the tenant's due dead-lettered jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.ReplayDLQ(ctx, tenantFlag)
		if err != nil {
			return eris.Wrap(err, "dlq replay")
		}
		fmt.Fprintf(os.Stdout, "due %d, resolved %d, rescheduled %d\n", res.Due, res.Resolved, res.Rescheduled)
		return nil
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the tenant's dead-letter depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.CountDLQ(ctx, tenantFlag)
		if err != nil {
			return eris.Wrap(err, "dlq count")
		}
		fmt.Fprintln(os.Stdout, n)
		return nil
	},
}

func init() {
	addTenantFlag(dlqReplayCmd)
	addTenantFlag(dlqCountCmd)
	dlqCmd.AddCommand(dlqReplayCmd, dlqCountCmd)
	rootCmd.AddCommand(dlqCmd)
}
