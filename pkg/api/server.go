// Package api serves the read-only status API: health probes, a status
// report and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/pkg/api/handlers"
)

// shutdownTimeout bounds graceful shutdown after the context is cancelled.
const shutdownTimeout = 5 * time.Second

// Aliases so callers need not import the handlers package.
type (
	Status         = handlers.Status
	VolumeStatus   = handlers.VolumeStatus
	StatusProvider = handlers.StatusProvider
	Response       = handlers.Response
)

// Server provides an HTTP server for the status API.
//
// Endpoints:
//   - GET /health: Liveness probe
//   - GET /health/ready: Readiness probe
//   - GET /status: Node status
//   - GET /metrics: Prometheus metrics
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once

	ready    chan struct{}
	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new API HTTP server in a stopped state.
//
// Defaults are applied here so the server works when created directly in
// tests. This is idempotent with the defaults applied during config loading.
func NewServer(config APIConfig, provider StatusProvider) *Server {
	config.ApplyDefaults()

	return &Server{
		server: &http.Server{
			Handler:      NewRouter(provider),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
		ready:  make(chan struct{}),
	}
}

// Start listens and serves until ctx is cancelled or the server fails.
//
// Returns nil on graceful shutdown and an error if the listener cannot be
// bound or serving fails.
func (s *Server) Start(ctx context.Context) error {
	port := s.config.Port
	if port < 0 {
		port = 0
	}
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	logger.Info("API server listening", logger.KeyAddress, ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		// The parent context is already cancelled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. It is safe to call multiple times and
// concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err)
			return
		}
		logger.Info("API server stopped")
	})
	return shutdownErr
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.config.Port
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or "" before Start binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
