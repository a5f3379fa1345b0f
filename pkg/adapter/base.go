package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
)

// ConnectionHandler serves one accepted connection. Serve blocks until the
// connection is finished or ctx is cancelled, and owns closing the conn.
type ConnectionHandler interface {
	Serve(ctx context.Context)
}

// ConnectionFactory creates protocol-specific handlers for accepted
// connections.
type ConnectionFactory interface {
	NewConnection(conn net.Conn) ConnectionHandler
}

// BaseConfig holds configuration common to protocol adapters.
type BaseConfig struct {
	// BindAddress is the IP address to bind to.
	// Empty string or "0.0.0.0" binds to all interfaces.
	BindAddress string

	// Port is the TCP port to listen on. 0 picks a free port.
	Port int

	// MaxConnections limits concurrent client connections. 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds how long Stop waits for active connections
	// before force-closing them.
	ShutdownTimeout time.Duration

	// MetricsLogInterval is the interval at which connection counts are
	// logged. 0 disables it.
	MetricsLogInterval time.Duration
}

// ConnectionMetrics records connection lifecycle metrics.
// metrics.ServerMetrics satisfies it.
type ConnectionMetrics interface {
	RecordConnectionAccepted()
	RecordConnectionClosed()
	RecordConnectionForceClosed()
	SetActiveConnections(count int32)
}

// ErrServerClosed is returned by ServeWithFactory when called after Stop.
var ErrServerClosed = errors.New("adapter: server closed")

// BaseAdapter provides the TCP accept loop, connection tracking and
// graceful shutdown shared by protocol adapters.
//
// All exported methods are safe for concurrent use.
type BaseAdapter struct {
	Config BaseConfig

	// Metrics is optional; nil disables collection.
	Metrics ConnectionMetrics

	protocolName string

	listenerMu sync.RWMutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once

	shutdownOnce sync.Once
	shutdown     chan struct{}

	// connCtx is handed to every connection and cancelled at shutdown.
	connCtx    context.Context
	cancelConn context.CancelFunc

	conns     sync.Map // remote address -> net.Conn
	wg        sync.WaitGroup
	connCount atomic.Int32
	sem       chan struct{}
}

// NewBaseAdapter creates a stopped BaseAdapter. Call ServeWithFactory to start.
func NewBaseAdapter(config BaseConfig, protocol string) *BaseAdapter {
	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}
	logger.Debug(protocol+" connection limit", "max_connections", config.MaxConnections)

	connCtx, cancel := context.WithCancel(context.Background())
	return &BaseAdapter{
		Config:       config,
		protocolName: protocol,
		ready:        make(chan struct{}),
		shutdown:     make(chan struct{}),
		connCtx:      connCtx,
		cancelConn:   cancel,
		sem:          sem,
	}
}

// ServeWithFactory binds the listener and accepts connections until ctx is
// cancelled or Stop is called. Each connection is served on its own
// goroutine by a handler from factory; a panic in a handler closes that
// connection only.
//
// Returns:
//   - an error if the listener cannot be bound
//   - nil after a graceful shutdown
//   - an error if active connections had to be force-closed
func (b *BaseAdapter) ServeWithFactory(ctx context.Context, factory ConnectionFactory) error {
	select {
	case <-b.shutdown:
		b.markReady()
		return ErrServerClosed
	default:
	}

	addr := net.JoinHostPort(b.Config.BindAddress, fmt.Sprint(b.Config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		b.markReady()
		return fmt.Errorf("failed to create %s listener on %s: %w", b.protocolName, addr, err)
	}

	b.listenerMu.Lock()
	b.listener = ln
	b.listenerMu.Unlock()
	b.markReady()

	logger.Info(b.protocolName+" server listening", "address", ln.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info(b.protocolName+" shutdown signal received", logger.Err(ctx.Err()))
			b.initiateShutdown()
		case <-b.shutdown:
		}
	}()

	if b.Config.MetricsLogInterval > 0 {
		go b.logMetrics(ctx)
	}

	for {
		if b.sem != nil {
			select {
			case b.sem <- struct{}{}:
			case <-b.shutdown:
				return b.gracefulShutdown()
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			b.releaseSlot()
			select {
			case <-b.shutdown:
				return b.gracefulShutdown()
			default:
			}
			logger.Debug("Error accepting "+b.protocolName+" connection", logger.Err(err))
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", logger.Err(err))
			}
		}

		b.track(conn)
		go b.serveConn(factory, conn)
	}
}

func (b *BaseAdapter) track(conn net.Conn) {
	b.wg.Add(1)
	active := b.connCount.Add(1)
	b.conns.Store(conn.RemoteAddr().String(), conn)

	if b.Metrics != nil {
		b.Metrics.RecordConnectionAccepted()
		b.Metrics.SetActiveConnections(active)
	}
	logger.Debug(b.protocolName+" connection accepted",
		logger.ClientIP(conn.RemoteAddr().String()), "active", active)
}

func (b *BaseAdapter) serveConn(factory ConnectionFactory, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in "+b.protocolName+" connection handler",
				logger.ClientIP(addr), "panic", r, "stack", string(debug.Stack()))
			_ = conn.Close()
		}

		b.conns.Delete(addr)
		active := b.connCount.Add(-1)
		if b.Metrics != nil {
			b.Metrics.RecordConnectionClosed()
			b.Metrics.SetActiveConnections(active)
		}
		logger.Debug(b.protocolName+" connection closed", logger.ClientIP(addr), "active", active)

		b.releaseSlot()
		b.wg.Done()
	}()

	factory.NewConnection(conn).Serve(b.connCtx)
}

func (b *BaseAdapter) releaseSlot() {
	if b.sem != nil {
		<-b.sem
	}
}

func (b *BaseAdapter) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// initiateShutdown closes the listener, interrupts blocked reads and
// cancels the connection context. Safe to call more than once.
func (b *BaseAdapter) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		logger.Debug(b.protocolName + " shutdown initiated")
		close(b.shutdown)
		b.markReady()

		b.listenerMu.Lock()
		if b.listener != nil {
			if err := b.listener.Close(); err != nil {
				logger.Debug("Error closing "+b.protocolName+" listener", logger.Err(err))
			}
		}
		b.listenerMu.Unlock()

		deadline := time.Now().Add(100 * time.Millisecond)
		b.conns.Range(func(key, value any) bool {
			if err := value.(net.Conn).SetReadDeadline(deadline); err != nil {
				logger.Debug("Error setting shutdown deadline", logger.ClientIP(key.(string)), logger.Err(err))
			}
			return true
		})

		b.cancelConn()
	})
}

// wait blocks until all connections finish or timeout expires, then
// force-closes the remaining ones.
func (b *BaseAdapter) wait(timeout <-chan time.Time) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(b.protocolName + " graceful shutdown complete")
		return nil
	case <-timeout:
	}

	remaining := b.connCount.Load()
	logger.Warn(b.protocolName+" shutdown timeout exceeded, forcing closure", "active", remaining)
	b.forceCloseConnections()
	return fmt.Errorf("%s shutdown timeout: %d connections force-closed", b.protocolName, remaining)
}

func (b *BaseAdapter) gracefulShutdown() error {
	logger.Info(b.protocolName+" graceful shutdown: waiting for active connections",
		"active", b.connCount.Load(), "timeout", b.Config.ShutdownTimeout)
	return b.wait(time.After(b.Config.ShutdownTimeout))
}

func (b *BaseAdapter) forceCloseConnections() {
	closed := 0
	b.conns.Range(func(key, value any) bool {
		if err := value.(net.Conn).Close(); err != nil {
			logger.Debug("Error force-closing connection", logger.ClientIP(key.(string)), logger.Err(err))
			return true
		}
		closed++
		if b.Metrics != nil {
			b.Metrics.RecordConnectionForceClosed()
		}
		return true
	})
	if closed > 0 {
		logger.Info("Force-closed "+b.protocolName+" connections", "count", closed)
	}
}

// Stop initiates shutdown and waits for active connections until ctx is
// done, then force-closes whatever remains.
func (b *BaseAdapter) Stop(ctx context.Context) error {
	b.initiateShutdown()

	var timeout <-chan time.Time
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.After(time.Until(deadline))
	} else {
		timeout = time.After(b.Config.ShutdownTimeout)
	}
	return b.wait(timeout)
}

func (b *BaseAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(b.Config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		case <-ticker.C:
			logger.Info(b.protocolName+" metrics", "active_connections", b.connCount.Load())
		}
	}
}

// ActiveConnections returns the current number of connections.
func (b *BaseAdapter) ActiveConnections() int32 {
	return b.connCount.Load()
}

// Addr returns the bound listener address. It blocks until ServeWithFactory
// has bound (or failed to bind) the listener.
func (b *BaseAdapter) Addr() string {
	<-b.ready

	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Port returns the configured TCP port.
func (b *BaseAdapter) Port() int {
	return b.Config.Port
}

// Protocol returns the protocol name.
func (b *BaseAdapter) Protocol() string {
	return b.protocolName
}

// MapError returns nil; protocol adapters override it.
func (b *BaseAdapter) MapError(_ error) ProtocolError {
	return nil
}
