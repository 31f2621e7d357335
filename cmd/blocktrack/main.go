package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/config"
	"github.com/prodline/blocktrack/internal/logging"
	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store/sqlite"
	"github.com/prodline/blocktrack/internal/tracker"
	"github.com/prodline/blocktrack/internal/ui"
)

var (
	cfgFile      string
	dbPath       string
	operatorFlag string
	logLevel     string

	cfg    *config.Config
	logger *zap.Logger
	flush  func()
)

var rootCmd = &cobra.Command{
	Use:   "blocktrack",
	Short: "Track production blocks and the operations performed on them",
	Long: `blocktrack records production blocks (serial-numbered units) and the
operations performed on each one in a local database, and keeps that
database in sync with a remote peer.

Configuration comes from blocktrack.{yaml,toml} in the working directory or
$HOME/.blocktrack, overridden by BLOCKTRACK_* environment variables and
then by flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		if operatorFlag != "" {
			cfg.Operator = strings.TrimSpace(operatorFlag)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, flush, err = logging.New(logging.Options{
			Level:      cfg.Logging.Level,
			JSON:       cfg.Logging.JSON,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Console:    cmd.ErrOrStderr(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debug("configuration loaded", zap.String("file", cfg.File), zap.String("database", cfg.Database.Path))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if flush != nil {
			flush()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "blocks", Title: "Blocks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./blocktrack.{yaml,toml} or ~/.blocktrack/)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Local database path (overrides database.path)")
	rootCmd.PersistentFlags().StringVarP(&operatorFlag, "operator", "u", "", "Acting operator (overrides operator)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			for _, f := range ve.Fields {
				fmt.Fprintf(os.Stderr, "  - %s\n", f.Error())
			}
		}
		os.Exit(1)
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openLocal opens the local store and a tracker over it. Close the store
// when done.
func openLocal() (*tracker.Tracker, *sqlite.Store, error) {
	return openSQLite(cfg.Database.Path)
}

func openSQLite(path string) (*tracker.Tracker, *sqlite.Store, error) {
	catalog, err := cfg.LoadCatalog()
	if err != nil {
		return nil, nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := sqlite.Open(path, sqlite.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, nil, err
	}
	return tracker.New(st, catalog, tracker.WithLogger(logger.Named("tracker"))), st, nil
}

// actingOperator returns the operator for writes, or a validation error
// naming the flag to set.
func actingOperator() (string, error) {
	if cfg.Operator == "" {
		ve := &schema.ValidationError{}
		ve.Add("operator", "is required (use --operator or set operator in the config)")
		return "", ve
	}
	return cfg.Operator, nil
}

func printer(cmd *cobra.Command) *ui.Printer {
	return ui.New(cmd.OutOrStdout())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
