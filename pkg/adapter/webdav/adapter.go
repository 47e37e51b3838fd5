// Package webdav serves a WebDAV filesystem over HTTP/1.1 with bounded
// request concurrency.
//
// Every accepted connection gets its own goroutine and is never refused.
// Requests on a connection are handled strictly one at a time: read, wait
// for an admission ticket, run the WebDAV handler, release the ticket and
// flush. At most MaxConcurrentRequests requests are inside the handler
// across all connections.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"golang.org/x/net/webdav"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/ratelimiter"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/adapter"
	"github.com/marmos91/edgedav/pkg/admission"
	"github.com/marmos91/edgedav/pkg/bufpool"
	"github.com/marmos91/edgedav/pkg/metrics"
	"github.com/marmos91/edgedav/pkg/observer"
	"github.com/marmos91/edgedav/pkg/vfs"
)

const protocolName = "WebDAV"

// Errors raised before a request reaches the WebDAV handler.
var (
	errMalformedRequest   = errors.New("malformed request")
	errHeaderTooLarge     = errors.New("request header too large")
	errUnsupportedVersion = errors.New("unsupported HTTP version")
	errExpectation        = errors.New("unsupported expectation")
	errShuttingDown       = errors.New("server shutting down")
)

// Adapter is the WebDAV file server.
type Adapter struct {
	*adapter.BaseAdapter

	config    Config
	handler   *webdav.Handler
	admission *admission.Controller
	limiter   *ratelimiter.RateLimiter
	buffers   *bufpool.Pool
	observer  observer.Observer
	metrics   metrics.WebDAVMetrics

	requests atomic.Uint64
}

var (
	_ adapter.Adapter           = (*Adapter)(nil)
	_ adapter.ConnectionFactory = (*Adapter)(nil)
)

// Stats is a point-in-time view of the server.
type Stats struct {
	ActiveConnections   int32           `json:"active_connections"`
	AcceptedConnections uint64          `json:"accepted_connections"`
	Requests            uint64          `json:"requests"`
	Admission           admission.Stats `json:"admission"`
	Buffers             bufpool.Stats   `json:"buffers"`
}

// New creates a stopped adapter serving fs. webdavMetrics and obs may be nil.
func New(cfg Config, fs webdav.FileSystem, webdavMetrics metrics.WebDAVMetrics, obs observer.Observer) (*Adapter, error) {
	if fs == nil {
		return nil, errors.New("webdav: nil filesystem")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid WebDAV config: %w", err)
	}

	ctrl, err := admission.NewController(cfg.MaxConcurrentRequests)
	if err != nil {
		return nil, err
	}

	if obs == nil {
		obs = observer.Nop{}
	}

	base := adapter.NewBaseAdapter(adapter.BaseConfig{
		BindAddress:        cfg.BindAddress,
		Port:               cfg.Port,
		ShutdownTimeout:    cfg.Timeouts.Shutdown,
		MetricsLogInterval: cfg.MetricsLogInterval,
	}, protocolName)
	if webdavMetrics != nil {
		base.Metrics = webdavMetrics
	}

	a := &Adapter{
		BaseAdapter: base,
		config:      cfg,
		admission:   ctrl,
		buffers:     bufpool.NewPool(cfg.BufferSize),
		observer:    obs,
		metrics:     webdavMetrics,
	}

	if cfg.RateLimit.Enabled {
		a.limiter = ratelimiter.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	a.handler = &webdav.Handler{
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
		Logger:     a.logHandlerError,
	}

	return a, nil
}

// Serve binds the listener and serves until ctx is cancelled.
func (a *Adapter) Serve(ctx context.Context) error {
	logger.Info("WebDAV server starting",
		logger.KeyPort, a.config.Port,
		logger.KeyCapacity, a.config.MaxConcurrentRequests)
	return a.ServeWithFactory(ctx, a)
}

// NewConnection implements adapter.ConnectionFactory.
func (a *Adapter) NewConnection(id string, conn net.Conn) adapter.ConnectionHandler {
	return newConnection(a, id, conn)
}

// Admission returns the request admission controller.
func (a *Adapter) Admission() *admission.Controller {
	return a.admission
}

// Stats reports connection and admission counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		ActiveConnections:   a.GetActiveConnections(),
		AcceptedConnections: a.GetAcceptedConnections(),
		Requests:            a.requests.Load(),
		Admission:           a.admission.Stats(),
		Buffers:             a.buffers.Stats(),
	}
}

// throttle blocks until the rate limiter grants a request.
func (a *Adapter) throttle(ctx context.Context) error {
	lim := a.limiter
	if lim == nil || lim.Allow() {
		return nil
	}
	if a.metrics != nil {
		a.metrics.RecordRateLimited()
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// MapError translates errors raised outside the WebDAV handler into HTTP
// statuses. It returns nil for errors with no specific status.
func (a *Adapter) MapError(err error) adapter.ProtocolError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errMalformedRequest):
		return adapter.NewStatusError(http.StatusBadRequest, "", err)
	case errors.Is(err, errHeaderTooLarge):
		return adapter.NewStatusError(http.StatusRequestHeaderFieldsTooLarge, "", err)
	case errors.Is(err, errUnsupportedVersion):
		return adapter.NewStatusError(http.StatusHTTPVersionNotSupported, "", err)
	case errors.Is(err, errExpectation):
		return adapter.NewStatusError(http.StatusExpectationFailed, "", err)
	case errors.Is(err, vfs.ErrTooManyOpenFiles),
		errors.Is(err, errShuttingDown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return adapter.NewStatusError(http.StatusServiceUnavailable, "", err)
	case errors.Is(err, os.ErrNotExist):
		return adapter.NewStatusError(http.StatusNotFound, "", err)
	case errors.Is(err, os.ErrPermission):
		return adapter.NewStatusError(http.StatusForbidden, "", err)
	}
	return nil
}

// logHandlerError receives errors the WebDAV handler has already turned
// into a status code.
func (a *Adapter) logHandlerError(r *http.Request, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()
	telemetry.RecordError(ctx, err)

	if errors.Is(err, vfs.ErrTooManyOpenFiles) {
		logger.WarnCtx(ctx, "WebDAV request failed", logger.KeyError, err)
		return
	}
	logger.DebugCtx(ctx, "WebDAV request failed", logger.KeyError, err)
}

func (a *Adapter) shuttingDown() bool {
	select {
	case <-a.BaseAdapter.Shutdown:
		return true
	default:
		return false
	}
}
