// Package server assembles the USB/IP exporter: a device backend, the
// registry of exportable devices, the transfer dispatcher and the USB/IP
// listener, plus the optional auxiliary HTTP servers.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/internal/telemetry"
	"github.com/marmos91/dittousb/pkg/adapter"
	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/metrics"
	"github.com/marmos91/dittousb/pkg/metrics/prometheus"
	"github.com/marmos91/dittousb/pkg/registry"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// AuxiliaryServer is an HTTP server that runs next to the USB/IP listener,
// such as the diagnostics API or the metrics endpoint.
type AuxiliaryServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Port() int
}

// fileWatcher is implemented by backends that reload their device set from
// a file, like the catalog backend.
type fileWatcher interface {
	Watch(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Adapter  usbip.Config
	Transfer transfer.Config

	// RefreshInterval re-enumerates the backend periodically. 0 disables
	// polling; backends implementing backend.Watcher still trigger refreshes.
	RefreshInterval time.Duration

	// Version is reported by Snapshot.
	Version string
}

// DefaultConfig returns a configuration listening on the USB/IP port.
func DefaultConfig() Config {
	return Config{
		Adapter:         usbip.DefaultConfig(),
		Transfer:        transfer.DefaultConfig(),
		RefreshInterval: 5 * time.Second,
		Version:         "dev",
	}
}

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("server: already started")

// Server runs the exporter. Create it with New, optionally attach auxiliary
// servers and observers, then call Start.
type Server struct {
	config     Config
	backend    backend.Backend
	registry   *registry.Registry
	dispatcher *transfer.Dispatcher
	adapter    *usbip.Adapter
	regMetrics metrics.RegistryMetrics

	apiServer     AuxiliaryServer
	metricsServer AuxiliaryServer

	startedAt time.Time
	boundAddr atomic.Value // string
	started   atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// New wires a server around be. Metrics are collected when
// metrics.InitRegistry was called beforehand.
func New(config Config, be backend.Backend) *Server {
	s := &Server{
		config:     config,
		backend:    be,
		regMetrics: prometheus.NewRegistryMetrics(),
		done:       make(chan struct{}),
	}
	s.registry = registry.New(registry.WithObserver(s.observe))
	s.dispatcher = transfer.New(be, config.Transfer, prometheus.NewTransferMetrics())
	s.adapter = usbip.New(config.Adapter, s.registry, s.dispatcher, be, prometheus.NewServerMetrics())
	s.boundAddr.Store("")
	return s
}

// Registry returns the device registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Subscribe forwards registry events to o, for example an event publisher.
func (s *Server) Subscribe(o registry.Observer) { s.registry.Subscribe(o) }

// SetAPIServer attaches the diagnostics API. It must be called before Start.
func (s *Server) SetAPIServer(srv AuxiliaryServer) {
	if s.started.Load() {
		panic("server: cannot set API server after Start")
	}
	s.apiServer = srv
}

// SetMetricsServer attaches the metrics endpoint. It must be called before
// Start.
func (s *Server) SetMetricsServer(srv AuxiliaryServer) {
	if s.started.Load() {
		panic("server: cannot set metrics server after Start")
	}
	s.metricsServer = srv
}

// Start enumerates the backend, starts listening on the configured port and
// blocks until ctx is cancelled or Stop is called. It returns an error if the
// initial enumeration or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	s.startedAt = time.Now()
	logger.Info("Starting USB/IP server", "version", s.config.Version, logger.KeyBackend, s.backend.Name())

	if _, err := s.Refresh(ctx); err != nil {
		s.closeBackend()
		return fmt.Errorf("initial device enumeration: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", logger.Err(err))
			}
		}()
	}

	goRun("Transfer dispatcher", s.dispatcher.Run)
	goRun("Device refresh loop", s.refreshLoop)
	if w, ok := s.backend.(fileWatcher); ok {
		goRun("Device catalog watcher", w.Watch)
	}
	if s.metricsServer != nil {
		goRun("Metrics server", s.metricsServer.Start)
	}
	if s.apiServer != nil {
		goRun("API server", s.apiServer.Start)
	}

	go func() {
		if addr := s.adapter.Addr(); addr != "" {
			s.boundAddr.Store(addr)
		}
	}()

	serveErr := s.adapter.Serve(runCtx)

	// Sessions are gone at this point; stop the loops that feed them.
	cancel()
	wg.Wait()
	s.closeBackend()

	logger.Info("USB/IP server stopped")
	if errors.Is(serveErr, context.Canceled) || errors.Is(serveErr, adapter.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Stop closes the listener, waits for sessions to end until ctx is done and
// then for Start to return. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.adapter.Stop(ctx)
		if !s.started.Load() {
			s.closeBackend()
			return
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			if s.stopErr == nil {
				s.stopErr = ctx.Err()
			}
		}
	})
	return s.stopErr
}

// Addr returns the address of the USB/IP listener. It blocks until Start
// has bound it, and returns "" if binding failed.
func (s *Server) Addr() string {
	return s.adapter.Addr()
}

// Refresh re-enumerates the backend and applies the result to the registry.
// Exported devices that disappeared have their sessions closed.
func (s *Server) Refresh(ctx context.Context) (registry.RefreshResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRefresh)
	defer span.End()

	devices, err := s.backend.Enumerate(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return registry.RefreshResult{}, fmt.Errorf("enumerate %s backend: %w", s.backend.Name(), err)
	}

	res := s.registry.Refresh(devices)
	if len(res.Added)+len(res.Removed)+len(res.Lost) > 0 {
		logger.Info("Device list changed",
			"added", res.Added, "removed", res.Removed, "lost", res.Lost)
	}
	s.updateDeviceGauge()
	return res, nil
}

func (s *Server) refreshLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if s.config.RefreshInterval > 0 {
		ticker := time.NewTicker(s.config.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var changes <-chan struct{}
	if w, ok := s.backend.(backend.Watcher); ok {
		changes = w.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		if _, err := s.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Device refresh failed", logger.Err(err))
		}
	}
}

func (s *Server) observe(ev registry.Event) {
	if s.regMetrics == nil {
		return
	}
	s.regMetrics.RecordEvent(ev.Type.String())
	s.updateDeviceGauge()
}

func (s *Server) updateDeviceGauge() {
	if s.regMetrics == nil {
		return
	}
	s.regMetrics.SetDevices(s.registry.Counts())
}

func (s *Server) closeBackend() {
	if err := s.backend.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
		logger.Warn("Backend close failed", logger.KeyBackend, s.backend.Name(), logger.Err(err))
	}
}
