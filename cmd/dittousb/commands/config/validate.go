package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the dittousb configuration file.

Checks for syntax errors, missing required fields, and invalid values, and
for a catalog backend also loads the device catalogue.

Examples:
  # Validate default config
  dittousb config validate

  # Validate specific config file
  dittousb config validate --config /etc/dittousb/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)

	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}

	displayPath := path
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	be, err := cfg.NewBackend()
	if err != nil {
		return fmt.Errorf("backend %q: %w", cfg.Backend.Type, err)
	}
	devices, err := be.Enumerate(cmd.Context())
	_ = be.Close()
	if err != nil {
		return fmt.Errorf("backend %q: %w", cfg.Backend.Type, err)
	}

	var warnings []string
	if len(devices) == 0 {
		warnings = append(warnings, "backend declares no devices - clients will see an empty list")
	}
	if cfg.Server.BindAddress == "" || cfg.Server.BindAddress == "0.0.0.0" {
		warnings = append(warnings, "server listens on all interfaces - USB/IP has no authentication")
	}
	if cfg.Telemetry.Profiling.Enabled && !cfg.Telemetry.Enabled {
		warnings = append(warnings, "profiling is enabled without tracing")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Listen:        %s:%d\n", orAll(cfg.Server.BindAddress), cfg.Server.Port)
	_, _ = fmt.Fprintf(out, "  Backend:       %s (%d devices)\n", cfg.Backend.Type, len(devices))
	_, _ = fmt.Fprintf(out, "  Max transfer:  %s\n", cfg.Server.MaxTransferSize)
	_, _ = fmt.Fprintf(out, "  API port:      %d\n", cfg.API.Port)
	_, _ = fmt.Fprintf(out, "  Log level:     %s\n", cfg.Logging.Level)

	if _, err := os.Stat(displayPath); err != nil && path == "" {
		_, _ = fmt.Fprintln(out, "\n(no file found, defaults and environment only)")
	}
	return nil
}

func orAll(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}
