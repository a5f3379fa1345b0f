package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# dittousb Configuration File
#
# Exports USB devices to remote hosts over USB/IP (TCP port 3240).
# Every key can be overridden with an environment variable, e.g.
#   DITTOUSB_LOGGING_LEVEL=DEBUG
#   DITTOUSB_SERVER_PORT=3241
#
# backend.type selects where devices come from:
#   memory  - built-in loopback devices (backend.loopback_devices)
#   catalog - virtual devices declared in backend.catalog_path (YAML),
#             reloaded on change when backend.watch is true
#
# Sizes accept human-readable values (16Mi, 512KiB); durations use Go
# syntax (30s, 5m). A negative server.refresh_interval disables polling and
# a negative server.write_timeout disables the reply write deadline.

`

// SampleConfig renders the default configuration with explanatory comments.
func SampleConfig() ([]byte, error) {
	cfg := GetDefaultConfig()

	var buf bytes.Buffer
	buf.WriteString(sampleHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	return buf.Bytes(), nil
}

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is kept unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	data, err := SampleConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
