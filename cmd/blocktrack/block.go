package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/tracker"
)

var blockCmd = &cobra.Command{
	Use:     "block",
	GroupID: "blocks",
	Short:   "Create, inspect and delete blocks",
}

var blockAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a block",
	Long: `Add a block from flags. The acting operator becomes the block operator
unless --block-operator is given.

Example:
  blocktrack block add -u Ivanova --number 1001 --model Model1 --mac aa-bb-cc-dd-ee-ff`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, err := actingOperator()
		if err != nil {
			return err
		}
		b, err := blockFromFlags(cmd)
		if err != nil {
			return err
		}

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		added, err := tr.AddBlock(cmd.Context(), operator, b)
		if err != nil {
			return err
		}
		printer(cmd).Successf("Added block %s (%s)", added.BlockNumber, added.ID)
		return nil
	},
}

var blockNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Add a block interactively",
	Args:  cobra.NoArgs,
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

		b, err := blockForm(tr.Catalog())
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}

		added, err := tr.AddBlock(cmd.Context(), operator, b)
		if err != nil {
			return err
		}
		printer(cmd).Successf("Added block %s (%s)", added.BlockNumber, added.ID)
		return nil
	},
}

var blockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		byOperator, _ := cmd.Flags().GetString("by")
		status, _ := cmd.Flags().GetString("status")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		var blocks []*schema.Block
		if byOperator != "" {
			blocks, err = tr.GetBlocksByOperator(cmd.Context(), byOperator)
		} else {
			blocks, err = tr.GetAllBlocks(cmd.Context())
		}
		if err != nil {
			return err
		}

		if status != "" {
			filtered := blocks[:0]
			for _, b := range blocks {
				if string(tr.BlockStatus(b)) == status {
					filtered = append(filtered, b)
				}
			}
			blocks = filtered
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), blocks)
		}
		printer(cmd).Blocks(blocks, tr.BlockStatus)
		return nil
	},
}

var blockShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a block and its operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		b, err := resolveBlock(cmd, tr, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), b)
		}
		printer(cmd).Block(b, tr.BlockStatus(b))
		return nil
	},
}

var blockOpCmd = &cobra.Command{
	Use:   "op ID",
	Short: "Record an operation on a block",
	Long: `Record an operation on a block identified by id or block number.

Example:
  blocktrack block op 1001 -u Petrov --name Calibration
  blocktrack block op 1001 -u Petrov --name "Cold Start" --failed --error-code E42 --error "no fix"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, err := actingOperator()
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		failed, _ := cmd.Flags().GetBool("failed")
		errorCode, _ := cmd.Flags().GetString("error-code")
		errorDesc, _ := cmd.Flags().GetString("error")
		comment, _ := cmd.Flags().GetString("comment")
		executor, _ := cmd.Flags().GetString("executor")
		duration, _ := cmd.Flags().GetDuration("duration")
		at, _ := cmd.Flags().GetString("at")

		ts := time.Now()
		if at != "" {
			ts, err = parseTimeArg(at, false, time.Now())
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}

		tr, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		b, err := resolveBlock(cmd, tr, args[0])
		if err != nil {
			return err
		}

		updated, err := tr.AppendOperation(cmd.Context(), operator, b.ID, schema.Operation{
			Name:             name,
			Success:          !failed,
			Timestamp:        ts,
			Executor:         executor,
			Comment:          comment,
			ErrorCode:        errorCode,
			ErrorDescription: errorDesc,
			DurationMs:       duration.Milliseconds(),
		})
		if err != nil {
			return err
		}

		p := printer(cmd)
		p.Successf("Recorded %s on block %s", name, updated.BlockNumber)
		p.Println("Status:", p.StatusBadge(tr.BlockStatus(updated)))
		return nil
	},
}

var blockDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a block and its operations",
	Args:  cobra.ExactArgs(1),
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

		b, err := resolveBlock(cmd, tr, args[0])
		if err != nil {
			return err
		}
		if err := tr.DeleteBlock(cmd.Context(), operator, b.ID); err != nil {
			return err
		}
		printer(cmd).Successf("Deleted block %s", b.BlockNumber)
		return nil
	},
}

func init() {
	f := blockAddCmd.Flags()
	f.String("number", "", "Block number (digits only)")
	f.String("model", "", "Model type")
	f.String("modem", "", "Modem type")
	f.String("execution", "", "Execution type")
	f.String("type", "", "Block type")
	f.String("mac", "", "MAC address (AA:BB:CC:DD:EE:FF or AA-BB-...)")
	f.String("block-operator", "", "Block operator (default: acting operator)")
	f.String("date", "", "Production date (default: now)")

	blockListCmd.Flags().String("by", "", "Only blocks of this operator")
	blockListCmd.Flags().String("status", "", "Only blocks with this status: in_progress, completed, error")
	blockListCmd.Flags().Bool("json", false, "Output JSON")
	blockShowCmd.Flags().Bool("json", false, "Output JSON")

	blockOpCmd.Flags().String("name", "", "Operation name")
	blockOpCmd.Flags().Bool("failed", false, "The operation failed")
	blockOpCmd.Flags().String("error-code", "", "Error code of a failed operation")
	blockOpCmd.Flags().String("error", "", "Error description of a failed operation")
	blockOpCmd.Flags().String("comment", "", "Free-text comment")
	blockOpCmd.Flags().String("executor", "", "Who performed it (default: acting operator)")
	blockOpCmd.Flags().Duration("duration", 0, "Measured duration")
	blockOpCmd.Flags().String("at", "", "When it happened (default: now)")
	_ = blockOpCmd.MarkFlagRequired("name")

	blockCmd.AddCommand(blockAddCmd, blockNewCmd, blockListCmd, blockShowCmd, blockOpCmd, blockDeleteCmd)
	rootCmd.AddCommand(blockCmd)
}

func blockFromFlags(cmd *cobra.Command) (*schema.Block, error) {
	f := cmd.Flags()
	number, _ := f.GetString("number")
	model, _ := f.GetString("model")
	modem, _ := f.GetString("modem")
	execution, _ := f.GetString("execution")
	blockType, _ := f.GetString("type")
	mac, _ := f.GetString("mac")
	blockOperator, _ := f.GetString("block-operator")
	date, _ := f.GetString("date")

	b := &schema.Block{
		BlockNumber:   number,
		ModelType:     model,
		ModemType:     modem,
		ExecutionType: execution,
		BlockType:     blockType,
		MACAddress:    mac,
		Operator:      blockOperator,
	}
	if date != "" {
		t, err := parseTimeArg(date, false, time.Now())
		if err != nil {
			return nil, fmt.Errorf("invalid --date: %w", err)
		}
		b.Date = t
	}
	return b, nil
}

// resolveBlock finds a block by id, then by block number.
func resolveBlock(cmd *cobra.Command, tr *tracker.Tracker, ref string) (*schema.Block, error) {
	b, err := tr.GetBlockByID(cmd.Context(), ref)
	if err == nil || !errors.Is(err, schema.ErrNotFound) {
		return b, err
	}
	if byNumber, nerr := tr.Store().FindBlockByNumber(cmd.Context(), ref); nerr == nil {
		return tr.GetBlockByID(cmd.Context(), byNumber.ID)
	}
	return nil, err
}

func blockForm(catalog *schema.Catalog) (*schema.Block, error) {
	var b schema.Block

	optional := func(values []string) []huh.Option[string] {
		return append([]huh.Option[string]{huh.NewOption("(none)", "")}, huh.NewOptions(values...)...)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Block number").
				Value(&b.BlockNumber).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" || strings.Trim(s, "0123456789") != "" {
						return errors.New("digits only")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Model").
				Options(huh.NewOptions(catalog.ModelTypes...)...).
				Value(&b.ModelType),
			huh.NewSelect[string]().
				Title("Modem").
				Options(optional(catalog.ModemTypes)...).
				Value(&b.ModemType),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Execution").
				Options(optional(catalog.ExecutionTypes)...).
				Value(&b.ExecutionType),
			huh.NewSelect[string]().
				Title("Block type").
				Options(optional(catalog.BlockTypes)...).
				Value(&b.BlockType),
			huh.NewInput().
				Title("MAC address").
				Placeholder("AA:BB:CC:DD:EE:FF").
				Value(&b.MACAddress),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}
	return &b, nil
}
