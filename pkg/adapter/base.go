package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/marmos91/edgedav/internal/logger"
)

// ConnectionHandler serves one accepted connection. Serve blocks until the
// connection is finished; the caller closes nothing, so Serve must close the
// socket itself.
type ConnectionHandler interface {
	Serve(ctx context.Context)
}

// ConnectionFactory creates protocol-specific handlers for accepted sockets.
type ConnectionFactory interface {
	NewConnection(id string, conn net.Conn) ConnectionHandler
}

// BaseConfig holds the TCP settings common to protocol adapters.
type BaseConfig struct {
	// BindAddress is the IP address to bind to. Empty or "0.0.0.0" binds to
	// all interfaces.
	BindAddress string

	// Port is the TCP port. 0 picks a free port (tests).
	Port int

	// ShutdownTimeout is how long Serve waits for active connections to
	// finish after shutdown starts before force-closing them.
	ShutdownTimeout time.Duration

	// MetricsLogInterval logs the active connection count periodically.
	// 0 disables it.
	MetricsLogInterval time.Duration
}

// MetricsRecorder records connection lifecycle events. Nil means no metrics.
type MetricsRecorder interface {
	RecordConnectionAccepted()
	RecordConnectionClosed()
	RecordConnectionForceClosed()
	SetActiveConnections(count int32)
}

// Accept-error retry bounds, matching what net/http uses for temporary errors.
const (
	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

// BaseAdapter owns the TCP lifecycle for a protocol adapter: listen, accept
// forever, one goroutine per connection, connection tracking and graceful
// shutdown with force-close.
//
// Accept is never gated. Bounding work is the job of the protocol layer,
// which sees requests rather than sockets.
//
// All exported methods are safe for concurrent use. Shutdown is idempotent.
type BaseAdapter struct {
	Config BaseConfig

	// Metrics is optional.
	Metrics MetricsRecorder

	protocolName string

	listener   net.Listener
	listenerMu sync.RWMutex
	readyOnce  sync.Once

	// ListenerReady is closed once Serve has tried to bind, successfully or
	// not. Tests use it to synchronize with startup.
	ListenerReady chan struct{}

	// Shutdown is closed when shutdown begins.
	Shutdown     chan struct{}
	shutdownOnce sync.Once

	// ShutdownCtx is handed to every connection and cancelled at shutdown so
	// in-flight requests can abort.
	ShutdownCtx    context.Context
	CancelRequests context.CancelFunc

	activeConns sync.WaitGroup
	ConnCount   atomic.Int32
	accepted    atomic.Uint64

	// ActiveConnections maps connection ID to net.Conn for forced closure.
	ActiveConnections sync.Map
}

// NewBaseAdapter creates a stopped adapter. Call ServeWithFactory to start it.
func NewBaseAdapter(config BaseConfig, protocol string) *BaseAdapter {
	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &BaseAdapter{
		Config:         config,
		protocolName:   protocol,
		ListenerReady:  make(chan struct{}),
		Shutdown:       make(chan struct{}),
		ShutdownCtx:    shutdownCtx,
		CancelRequests: cancelRequests,
	}
}

// ServeWithFactory binds the listener and runs the accept loop until ctx is
// cancelled or Stop is called.
//
// Returns nil after a graceful shutdown, an error when binding fails, when
// a non-transient accept error occurs, or when shutdown had to force-close
// connections.
func (b *BaseAdapter) ServeWithFactory(ctx context.Context, factory ConnectionFactory) error {
	listenAddr := net.JoinHostPort(b.Config.BindAddress, fmt.Sprintf("%d", b.Config.Port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		b.markReady()
		return fmt.Errorf("failed to create %s listener on %s: %w", b.protocolName, listenAddr, err)
	}

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()
	b.markReady()

	logger.Info(b.protocolName+" server listening", logger.KeyAddress, listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info(b.protocolName+" shutdown signal received", logger.KeyError, ctx.Err())
			b.initiateShutdown()
		case <-b.Shutdown:
		}
	}()

	if b.Config.MetricsLogInterval > 0 {
		go b.logMetrics(ctx)
	}

	retry := newAcceptBackoff()

	for {
		tcpConn, err := listener.Accept()
		if err != nil {
			select {
			case <-b.Shutdown:
				return b.gracefulShutdown()
			default:
			}

			if isTransientAcceptError(err) {
				delay := retry.NextBackOff()
				logger.Warn("Transient "+b.protocolName+" accept error, retrying",
					logger.KeyBackoff, delay.String(), logger.KeyError, err)
				select {
				case <-time.After(delay):
				case <-b.Shutdown:
					return b.gracefulShutdown()
				}
				continue
			}

			logger.Error(b.protocolName+" accept failed", logger.KeyError, err)
			b.initiateShutdown()
			if shutdownErr := b.gracefulShutdown(); shutdownErr != nil {
				logger.Warn(b.protocolName+" shutdown after accept failure was not clean", logger.KeyError, shutdownErr)
			}
			return fmt.Errorf("%s accept failed: %w", b.protocolName, err)
		}
		retry.Reset()

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", logger.KeyError, err)
			}
		}

		b.track(factory, tcpConn)
	}
}

// track registers conn and serves it on its own goroutine.
func (b *BaseAdapter) track(factory ConnectionFactory, conn net.Conn) {
	id := uuid.NewString()
	addr := conn.RemoteAddr().String()

	b.activeConns.Add(1)
	active := b.ConnCount.Add(1)
	b.accepted.Add(1)
	b.ActiveConnections.Store(id, conn)

	if b.Metrics != nil {
		b.Metrics.RecordConnectionAccepted()
		b.Metrics.SetActiveConnections(active)
	}

	logger.Debug(b.protocolName+" connection accepted",
		logger.KeyConnectionID, id, logger.KeyAddress, addr, logger.KeyActive, active)

	handler := factory.NewConnection(id, conn)

	go func() {
		defer func() {
			b.ActiveConnections.Delete(id)
			remaining := b.ConnCount.Add(-1)
			b.activeConns.Done()

			if b.Metrics != nil {
				b.Metrics.RecordConnectionClosed()
				b.Metrics.SetActiveConnections(remaining)
			}

			logger.Debug(b.protocolName+" connection closed",
				logger.KeyConnectionID, id, logger.KeyAddress, addr, logger.KeyActive, remaining)
		}()

		handler.Serve(b.ShutdownCtx)
	}()
}

func newAcceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = acceptRetryMin
	b.MaxInterval = acceptRetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// isTransientAcceptError reports whether an accept error is worth retrying:
// timeouts, descriptor exhaustion, and connections aborted before accept.
func isTransientAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

func (b *BaseAdapter) markReady() {
	b.readyOnce.Do(func() { close(b.ListenerReady) })
}

// initiateShutdown stops the accept loop, wakes connections blocked in reads
// and cancels in-flight requests. Safe to call repeatedly.
func (b *BaseAdapter) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		logger.Debug(b.protocolName + " shutdown initiated")

		close(b.Shutdown)

		b.listenerMu.Lock()
		if b.listener != nil {
			if err := b.listener.Close(); err != nil {
				logger.Debug("Error closing "+b.protocolName+" listener", logger.KeyError, err)
			}
		}
		b.listenerMu.Unlock()

		b.interruptBlockingReads()
		b.CancelRequests()
	})
}

// interruptBlockingReads sets a short read deadline on every connection so
// idle keep-alive reads return promptly.
func (b *BaseAdapter) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)

	b.ActiveConnections.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			if err := conn.SetReadDeadline(deadline); err != nil {
				logger.Debug("Error setting shutdown deadline on connection",
					logger.KeyConnectionID, key, logger.KeyError, err)
			}
		}
		return true
	})
}

// waitForConnections returns a channel closed once every connection is done.
func (b *BaseAdapter) waitForConnections() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()
	return done
}

// gracefulShutdown waits up to ShutdownTimeout, then force-closes.
func (b *BaseAdapter) gracefulShutdown() error {
	logger.Info(b.protocolName+" graceful shutdown: waiting for active connections",
		logger.KeyActive, b.ConnCount.Load(), "timeout", b.Config.ShutdownTimeout)

	var timeout <-chan time.Time
	if b.Config.ShutdownTimeout > 0 {
		t := time.NewTimer(b.Config.ShutdownTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-b.waitForConnections():
		logger.Info(b.protocolName + " graceful shutdown complete")
		return nil

	case <-timeout:
		remaining := b.ConnCount.Load()
		logger.Warn(b.protocolName+" shutdown timeout exceeded, forcing closure",
			logger.KeyActive, remaining, "timeout", b.Config.ShutdownTimeout)

		b.forceCloseConnections()
		return fmt.Errorf("%s shutdown timeout: %d connections force-closed", b.protocolName, remaining)
	}
}

func (b *BaseAdapter) forceCloseConnections() {
	closed := 0
	b.ActiveConnections.Range(func(key, value any) bool {
		conn := value.(net.Conn)
		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection", logger.KeyConnectionID, key, logger.KeyError, err)
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

// Stop initiates shutdown and waits for connections until ctx is done.
// Safe to call concurrently with ServeWithFactory and more than once.
func (b *BaseAdapter) Stop(ctx context.Context) error {
	b.initiateShutdown()

	select {
	case <-b.waitForConnections():
		return nil
	case <-ctx.Done():
		logger.Warn(b.protocolName+" shutdown context cancelled",
			logger.KeyActive, b.ConnCount.Load(), logger.KeyError, ctx.Err())
		b.forceCloseConnections()
		return ctx.Err()
	}
}

func (b *BaseAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(b.Config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Shutdown:
			return
		case <-ticker.C:
			logger.Info(b.protocolName+" connections",
				logger.KeyActive, b.ConnCount.Load(), "accepted", b.accepted.Load())
		}
	}
}

// GetActiveConnections returns the number of open connections.
func (b *BaseAdapter) GetActiveConnections() int32 {
	return b.ConnCount.Load()
}

// GetAcceptedConnections returns the number of connections accepted so far.
func (b *BaseAdapter) GetAcceptedConnections() uint64 {
	return b.accepted.Load()
}

// GetListenerAddr blocks until Serve has tried to bind and returns the bound
// address, or "" if binding failed.
func (b *BaseAdapter) GetListenerAddr() string {
	<-b.ListenerReady

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

// Protocol returns the protocol name used in logs.
func (b *BaseAdapter) Protocol() string {
	return b.protocolName
}
