package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage the sending identity pool",
}

// -- identities add --

var identitiesAddCmd = &cobra.Command{
	Use:   "add <number>",
	Short: "Add or reactivate a sending number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		campaign, _ := cmd.Flags().GetString("campaign")
		id, err := env.Pipeline.Pool().Add(ctx, tenantFlag, args[0], campaign)
		if err != nil {
			return eris.Wrap(err, "identities add")
		}
		fmt.Fprintf(os.Stdout, "added %s (%s)\n", id.Number, id.ID)
		return nil
	},
}

// -- identities list --

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sending identities with health and counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Pipeline.Pool().List(ctx, tenantFlag)
		if err != nil {
			return eris.Wrap(err, "identities list")
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No identities.")
			return nil
		}
		formatIdentities(os.Stdout, ids)
		return nil
	},
}

// -- identities reset --

var identitiesResetCmd = &cobra.Command{
	Use:   "reset <identity-id>",
	Short: "Clear an identity's failure streak and mark it healthy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.Pool().Reset(ctx, args[0]); err != nil {
			return eris.Wrap(err, "identities reset")
		}
		fmt.Fprintf(os.Stdout, "reset %s\n", args[0])
		return nil
	},
}

// -- identities deactivate --

var identitiesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <identity-id>",
	Short: "Take an identity out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.Pool().Deactivate(ctx, args[0]); err != nil {
			return eris.Wrap(err, "identities deactivate")
		}
		fmt.Fprintf(os.Stdout, "deactivated %s\n", args[0])
		return nil
	},
}

func init() {
	addTenantFlag(identitiesAddCmd)
	identitiesAddCmd.Flags().String("campaign", "", "pin the identity to one campaign")
	addTenantFlag(identitiesListCmd)

	identitiesCmd.AddCommand(identitiesAddCmd, identitiesListCmd, identitiesResetCmd, identitiesDeactivateCmd)
	rootCmd.AddCommand(identitiesCmd)
}
