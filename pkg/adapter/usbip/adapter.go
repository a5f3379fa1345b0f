// Package usbip serves the USB/IP protocol on top of adapter.BaseAdapter.
//
// Every accepted connection becomes a Session. A session starts in the
// handshake phase, where the client lists devices or imports one; a
// successful import attaches the session to the device and switches it to
// URB traffic until the connection ends.
package usbip

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/adapter"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/metrics"
	"github.com/marmos91/dittousb/pkg/registry"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// ProtocolName is the adapter name used in logs and metrics.
const ProtocolName = "USBIP"

// DefaultPort is the IANA port of USB/IP.
const DefaultPort = 3240

// DefaultWriteTimeout bounds a reply write to a client that stopped reading.
const DefaultWriteTimeout = 30 * time.Second

// Config holds USB/IP adapter configuration.
type Config struct {
	adapter.BaseConfig

	// IdleTimeout closes a session that sends nothing for this long.
	// 0 disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single reply write. 0 disables it.
	// Default: 30s
	WriteTimeout time.Duration

	// MaxTransferSize is the largest transfer buffer accepted from a client.
	MaxTransferSize int

	// MaxISOPackets is the largest isochronous packet count accepted.
	MaxISOPackets int
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: adapter.BaseConfig{
			Port:            DefaultPort,
			ShutdownTimeout: 30 * time.Second,
		},
		WriteTimeout:    DefaultWriteTimeout,
		MaxTransferSize: proto.DefaultMaxTransferSize,
		MaxISOPackets:   proto.DefaultMaxISOPackets,
	}
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	Phase      string    `json:"phase"`
	BusID      string    `json:"busid,omitempty"`
	Since      time.Time `json:"since"`
	Pending    int       `json:"pending"`
}

// Adapter is the USB/IP protocol server. It is the ConnectionFactory of its
// embedded BaseAdapter.
type Adapter struct {
	*adapter.BaseAdapter

	config     Config
	registry   *registry.Registry
	dispatcher *transfer.Dispatcher
	backend    backend.Backend
	metrics    metrics.ServerMetrics
	decode     proto.DecodeOptions

	sessions sync.Map // session id -> *Session
}

var (
	_ adapter.Adapter           = (*Adapter)(nil)
	_ adapter.ConnectionFactory = (*Adapter)(nil)
)

// New creates a USB/IP adapter.
//
// Parameters:
//   - config: listener and protocol limits
//   - reg: registry of exportable devices
//   - disp: dispatcher bound to be; its Run loop is started by the caller
//   - be: backend claiming devices on import
//   - m: metrics sink, nil disables collection
func New(config Config, reg *registry.Registry, disp *transfer.Dispatcher, be backend.Backend, m metrics.ServerMetrics) *Adapter {
	if config.MaxTransferSize <= 0 {
		config.MaxTransferSize = proto.DefaultMaxTransferSize
	}
	if config.MaxISOPackets <= 0 {
		config.MaxISOPackets = proto.DefaultMaxISOPackets
	}

	a := &Adapter{
		BaseAdapter: adapter.NewBaseAdapter(config.BaseConfig, ProtocolName),
		config:      config,
		registry:    reg,
		dispatcher:  disp,
		backend:     be,
		metrics:     m,
		decode: proto.DecodeOptions{
			MaxTransferSize: config.MaxTransferSize,
			MaxISOPackets:   config.MaxISOPackets,
		},
	}
	if m != nil {
		a.BaseAdapter.Metrics = m
	}
	return a
}

// Serve accepts USB/IP connections until ctx is cancelled or Stop is called.
func (a *Adapter) Serve(ctx context.Context) error {
	logger.Info("Starting USB/IP adapter", "port", a.config.Port, "backend", a.backend.Name())
	return a.ServeWithFactory(ctx, a)
}

// NewConnection implements adapter.ConnectionFactory.
func (a *Adapter) NewConnection(conn net.Conn) adapter.ConnectionHandler {
	return newSession(a, conn)
}

// Sessions returns the active sessions, oldest first.
func (a *Adapter) Sessions() []SessionInfo {
	var out []SessionInfo
	a.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (a *Adapter) recordRequest(op string, start time.Time, status string) {
	if a.metrics != nil {
		a.metrics.RecordRequest(op, time.Since(start), status)
	}
}
