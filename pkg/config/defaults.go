package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittousb/internal/bytesize"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/events"
	"github.com/marmos91/dittousb/pkg/metrics"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// Server defaults.
const (
	DefaultPort            = usbip.DefaultPort
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRefreshInterval = 5 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.API.ApplyDefaults()
	applyServerDefaults(&cfg.Server)
	applyBackendDefaults(&cfg.Backend)
	applyEventsDefaults(&cfg.Events)
}

// applyLoggingDefaults sets logging defaults and normalizes the level.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = metrics.DefaultPort
	}
}

// applyServerDefaults fills listener and session limits. Port 0 is kept
// only when explicitly combined with a bind address, which tests use to get
// an ephemeral port.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 && cfg.BindAddress == "" {
		cfg.Port = DefaultPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = bytesize.ByteSize(proto.DefaultMaxTransferSize)
	}
	if cfg.MaxISOPackets == 0 {
		cfg.MaxISOPackets = proto.DefaultMaxISOPackets
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = usbip.DefaultWriteTimeout
	}
	if cfg.MaxPendingPerSession == 0 {
		cfg.MaxPendingPerSession = transfer.DefaultMaxPendingPerSession
	}
	if cfg.MaxQueuedReplies == 0 {
		cfg.MaxQueuedReplies = transfer.DefaultMaxQueuedEvents
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
}

func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = BackendMemory
	}
	if cfg.Type == BackendMemory && cfg.LoopbackDevices == 0 {
		cfg.LoopbackDevices = 1
	}
}

func applyEventsDefaults(cfg *events.Config) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = events.DefaultSubjectPrefix
	}
}

// GetDefaultConfig returns a Config with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
