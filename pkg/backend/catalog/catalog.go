// Package catalog is a backend whose virtual devices are declared in a YAML
// file. The file can be watched so that edits plug and unplug devices while
// the server runs.
//
// Example file:
//
//	devices:
//	  - busid: "1-1"
//	    busnum: 1
//	    devnum: 2
//	    speed: high
//	    vendor_id: 0x1209
//	    product_id: 0x0001
//	    configuration_value: 1
//	    product: Loopback
//	    interfaces:
//	      - class: 0xff
//	        endpoints:
//	          - {address: 0x81, attributes: 2, max_packet_size: 512}
//	          - {address: 0x01, attributes: 2, max_packet_size: 512}
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/pkg/backend/memory"
	"github.com/marmos91/dittousb/pkg/device"
)

// Name is the backend type name used in configuration.
const Name = "catalog"

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// File is the on-disk catalogue format.
type File struct {
	Devices []*device.Device `yaml:"devices"`
}

// Backend serves the devices of a catalogue file through an in-memory
// backend.
type Backend struct {
	*memory.Backend
	path string
}

// Load parses a catalogue file.
func Load(path string) ([]*device.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device catalog: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse device catalog %s: %w", path, err)
	}
	for i, d := range f.Devices {
		if d == nil {
			return nil, fmt.Errorf("device catalog %s: entry %d is empty", path, i)
		}
		if d.Path == "" {
			d.Path = "/sys/devices/virtual/dittousb/" + d.BusID
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("device catalog %s: entry %d: %w", path, i, err)
		}
	}
	return f.Devices, nil
}

// Save writes devices to path in catalogue format.
func Save(path string, devices []*device.Device) error {
	data, err := yaml.Marshal(&File{Devices: devices})
	if err != nil {
		return fmt.Errorf("failed to marshal device catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// New loads path and returns a backend serving its devices.
func New(path string) (*Backend, error) {
	devices, err := Load(path)
	if err != nil {
		return nil, err
	}
	mem, err := memory.New(devices...)
	if err != nil {
		return nil, err
	}
	return &Backend{Backend: mem, path: path}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// Path returns the catalogue file location.
func (b *Backend) Path() string { return b.path }

// Reload re-reads the catalogue. On error the current devices are kept.
func (b *Backend) Reload() error {
	devices, err := Load(b.path)
	if err != nil {
		return err
	}
	if err := b.SetDevices(devices); err != nil {
		return err
	}
	logger.Info("Device catalog reloaded", logger.KeyPath, b.path, logger.KeyCount, len(devices))
	return nil
}

// Watch reloads the catalogue whenever the file changes, until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are handled.
func (b *Backend) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(b.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logger.Debug("Watching device catalog", logger.KeyPath, b.path)

	target := filepath.Clean(b.path)
	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			if err := b.Reload(); err != nil {
				logger.Warn("Device catalog reload failed, keeping current devices", logger.Err(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Device catalog watcher error", logger.Err(err))
		}
	}
}
