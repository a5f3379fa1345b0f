package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/cli/output"
	"github.com/marmos91/dittousb/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the server would run with, as YAML: the file
merged with DITTOUSB_* environment overrides and defaults.

Examples:
  dittousb config show
  DITTOUSB_SERVER_PORT=3241 dittousb config show`,
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	return output.PrintYAML(cmd.OutOrStdout(), cfg)
}
