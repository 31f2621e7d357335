package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/prodline/blocktrack/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect or create the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with every default",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(home, ".blocktrack", "blocktrack.toml")
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		printer(cmd).Successf("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Sync.Token != "" {
			shown.Sync.Token = "********"
		}
		if shown.Server.Token != "" {
			shown.Server.Token = "********"
		}
		return writeJSON(cmd.OutOrStdout(), shown)
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "Where to write (default: ~/.blocktrack/blocktrack.toml)")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
