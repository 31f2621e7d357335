package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "blocks",
	Short:   "Summarize operations over a date window",
	Long: `Aggregate the operations of every block dated inside the window.

Bounds accept RFC3339, YYYY-MM-DD or phrases like "yesterday" or
"last monday". An omitted bound leaves that side of the window open.

Example:
  blocktrack stats --from 2025-03-01 --to 2025-03-31
  blocktrack stats --from "last monday"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		now := time.Now()
		var start, end time.Time
		var err error
		if from != "" {
			if start, err = parseTimeArg(from, false, now); err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
		}
		if to != "" {
			if end, err = parseTimeArg(to, true, now); err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
		}

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := tr.GetOperationsStats(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), stats)
		}
		printer(cmd).Stats(stats)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("from", "", "Window start")
	statsCmd.Flags().String("to", "", "Window end")
	statsCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(statsCmd)
}
