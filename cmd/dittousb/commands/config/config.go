// Package config implements the "dittousb config" subcommands.
package config

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent of the configuration subcommands.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the configuration",
	Long: `Commands for working with the dittousb configuration file.

The file is looked up at --config, then $XDG_CONFIG_HOME/dittousb/config.yaml.
Environment variables prefixed with DITTOUSB_ override file values.`,
}

func init() {
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(schemaCmd)
	Cmd.AddCommand(editCmd)
}

// configPath returns the --config flag inherited from the root command.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
