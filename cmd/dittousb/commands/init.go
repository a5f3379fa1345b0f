package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/cli/prompt"
	"github.com/marmos91/dittousb/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample dittousb configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dittousb/config.yaml.
Use --config to specify a custom path, and --interactive to answer a few
questions instead of writing the defaults.

Examples:
  # Initialize with default location
  dittousb init

  # Initialize with custom path
  dittousb init --config /etc/dittousb/config.yaml

  # Choose backend and ports interactively
  dittousb init --interactive

  # Force overwrite existing config
  dittousb init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the main settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if !initInteractive {
		if err := config.InitConfigToPath(configPath, initForce); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		printInitNextSteps(configPath)
		return nil
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		ok, err := prompt.Confirm(fmt.Sprintf("%s already exists. Overwrite", configPath), false)
		if err != nil {
			return abortedOr(err)
		}
		if !ok {
			fmt.Println("Aborted")
			return nil
		}
	}

	cfg, err := promptConfig()
	if err != nil {
		return abortedOr(err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return err
	}

	printInitNextSteps(configPath)
	return nil
}

// promptConfig asks for the settings most installations change.
func promptConfig() (*config.Config, error) {
	cfg := config.GetDefaultConfig()

	backendType, err := prompt.Select("Device backend", []prompt.Option{
		{Label: "memory", Value: config.BackendMemory, Description: "Built-in loopback devices"},
		{Label: "catalog", Value: config.BackendCatalog, Description: "Virtual devices declared in a YAML file"},
	})
	if err != nil {
		return nil, err
	}
	cfg.Backend.Type = backendType

	if backendType == config.BackendCatalog {
		path, err := prompt.Input("Catalog path", "devices.yaml")
		if err != nil {
			return nil, err
		}
		cfg.Backend.CatalogPath = path
		cfg.Backend.LoopbackDevices = 0
	}

	if cfg.Server.Port, err = prompt.InputPort("USB/IP port", cfg.Server.Port); err != nil {
		return nil, err
	}
	if cfg.API.Port, err = prompt.InputPort("Diagnostics API port", cfg.API.Port); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled, err = prompt.Confirm("Enable Prometheus metrics", false); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port, err = prompt.InputPort("Metrics port", cfg.Metrics.Port); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func abortedOr(err error) error {
	if errors.Is(err, prompt.ErrAborted) {
		fmt.Println("Aborted")
		return nil
	}
	return err
}

func printInitNextSteps(configPath string) {
	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: dittousb start")
	fmt.Printf("  3. Or specify custom config: dittousb start --config %s\n", configPath)
	fmt.Println("  4. Attach from a client with: usbip list -r <host>")
}
