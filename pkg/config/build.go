package config

import (
	"fmt"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/internal/telemetry"
	"github.com/marmos91/dittousb/pkg/adapter"
	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/backend/catalog"
	"github.com/marmos91/dittousb/pkg/backend/memory"
	"github.com/marmos91/dittousb/pkg/metrics"
	"github.com/marmos91/dittousb/pkg/server"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// ServiceName is reported to tracing and profiling backends.
const ServiceName = "dittousb"

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TracingConfig returns the tracing settings for the given build version.
func (c *Config) TracingConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		SampleRate:     c.Telemetry.SampleRate,
	}
}

// ProfilingConfig returns the Pyroscope settings for the given build version.
func (c *Config) ProfilingConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Telemetry.Profiling.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Profiling.Endpoint,
		ProfileTypes:   c.Telemetry.Profiling.ProfileTypes,
	}
}

// ServerConfig converts the file settings into the server's runtime
// configuration.
func (c *Config) ServerConfig(version string) server.Config {
	s := c.Server

	refresh := s.RefreshInterval
	if refresh < 0 {
		refresh = 0
	}
	writeTimeout := s.WriteTimeout
	if writeTimeout < 0 {
		writeTimeout = 0
	}

	return server.Config{
		Adapter: usbip.Config{
			BaseConfig: adapter.BaseConfig{
				BindAddress:     s.BindAddress,
				Port:            s.Port,
				MaxConnections:  s.MaxConnections,
				ShutdownTimeout: s.ShutdownTimeout,
			},
			IdleTimeout:     s.IdleTimeout,
			WriteTimeout:    writeTimeout,
			MaxTransferSize: s.MaxTransferSize.Int(),
			MaxISOPackets:   s.MaxISOPackets,
		},
		Transfer: transfer.Config{
			MaxPendingPerSession: s.MaxPendingPerSession,
			MaxQueuedEvents:      s.MaxQueuedReplies,
			RecentCompletions:    transfer.DefaultRecentCompletions,
		},
		RefreshInterval: refresh,
		Version:         version,
	}
}

// NewBackend creates the configured device backend.
func (c *Config) NewBackend() (backend.Backend, error) {
	switch c.Backend.Type {
	case BackendMemory:
		b, err := memory.New(memory.LoopbackSet(c.Backend.LoopbackDevices)...)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendCatalog:
		b, err := catalog.New(c.Backend.CatalogPath)
		if err != nil {
			return nil, err
		}
		if !c.Backend.WatchEnabled() {
			return unwatched{Backend: b}, nil
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", c.Backend.Type)
	}
}

// unwatched exposes only the Backend methods of a catalogue, hiding Watch
// so the server does not follow file changes.
type unwatched struct {
	backend.Backend
}

// InitializeMetrics enables the metrics registry and returns the HTTP
// server exposing it, or nil when metrics are disabled. It must run before
// the USB/IP server is created.
func InitializeMetrics(cfg *Config) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	metrics.InitRegistry()
	return metrics.NewServer(cfg.Metrics.Port)
}
