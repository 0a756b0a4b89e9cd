package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/intake"
)

var (
	importFile  string
	importMap   string
	importSheet string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a CSV or XLSX contact list, dropping duplicates",
	Long:  "Maps file columns onto contact fields (--map name=Company,street=Address) and stores novel contacts as raw. Columns named like a field map to it without an entry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		mapping, err := intake.ParseMapping(importMap)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := intake.Open(ctx, importFile, intake.Options{Sheet: importSheet})
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer src.Close() //nolint:errcheck

		res, err := env.Pipeline.Import(ctx, tenantFlag, src, mapping)
		if err != nil {
			return eris.Wrap(err, "import")
		}
		formatImportResult(os.Stdout, res)
		return nil
	},
}

func init() {
	addTenantFlag(importCmd)
	importCmd.Flags().StringVar(&importFile, "file", "", "path to .csv or .xlsx file (required)")
	importCmd.Flags().StringVar(&importMap, "map", "", "field=Header pairs, comma separated")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "xlsx sheet name (default first sheet)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
