package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodline/blocktrack/internal/schema"
)

var importCmd = &cobra.Command{
	Use:     "import FILE...",
	GroupID: "blocks",
	Short:   "Import blocks from JSON or YAML record files",
	Long: `Import record files. Each file is one all-or-nothing batch: if any
record is invalid nothing from that file is stored, and every violation is
reported with its record number.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, err := actingOperator()
		if err != nil {
			return err
		}
		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		p := printer(cmd)
		for _, path := range args {
			records, err := schema.ReadRecordFile(path)
			if err != nil {
				return err
			}
			stored, err := tr.ImportRecords(cmd.Context(), operator, records)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			p.Successf("Imported %d block(s) from %s", len(stored), path)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "blocks",
	Short:   "Export every block with its operations",
	Long: `Write every block with its operations as a record file that import
accepts. The format follows the extension of --out; without --out JSON is
written to stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		blocks, err := tr.ExportRecords(cmd.Context())
		if err != nil {
			return err
		}
		if out == "" {
			return writeJSON(cmd.OutOrStdout(), blocks)
		}
		if err := schema.WriteRecordFile(out, blocks); err != nil {
			return err
		}
		printer(cmd).Successf("Exported %d block(s) to %s", len(blocks), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("out", "o", "", "Output file (.json, .yaml or .yml)")
	rootCmd.AddCommand(importCmd, exportCmd)
}
