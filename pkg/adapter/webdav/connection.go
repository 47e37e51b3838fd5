package webdav

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/admission"
	"github.com/marmos91/edgedav/pkg/observer"
)

const (
	// ioBufferSize sizes the per-connection read and write buffers.
	ioBufferSize = 4 << 10

	// maxBodyDrain is how much unread request body is discarded to keep a
	// connection alive. Anything larger closes the connection instead.
	maxBodyDrain = 256 << 10

	// lingerDelay is how long a connection closed with unread input stays
	// half-open so the client can read the final response before the RST.
	lingerDelay = 500 * time.Millisecond
)

// Connection serves the requests of one client socket, one at a time.
type Connection struct {
	adapter *Adapter
	id      string
	conn    net.Conn

	cr *connReader
	br *bufio.Reader
	bw *bufio.Writer

	seq    uint64
	lc     *logger.LogContext
	linger bool
}

func newConnection(a *Adapter, id string, conn net.Conn) *Connection {
	cr := &connReader{r: conn, remain: math.MaxInt64}
	return &Connection{
		adapter: a,
		id:      id,
		conn:    conn,
		cr:      cr,
		br:      bufio.NewReaderSize(cr, ioBufferSize),
		bw:      bufio.NewWriterSize(conn, ioBufferSize),
		lc:      logger.NewLogContext(id, clientIP(conn.RemoteAddr())),
	}
}

// Serve runs the read-process-write loop until the peer closes, a request
// asks to close, a transport error occurs or the server shuts down.
func (c *Connection) Serve(ctx context.Context) {
	defer c.handleConnectionClose()

	c.adapter.observer.ConnectionAccepted(observer.ConnInfo{
		ID:         c.id,
		RemoteAddr: c.conn.RemoteAddr().String(),
		Accepted:   time.Now(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Connection closed due to context cancellation", logger.KeyConnectionID, c.id)
			return
		case <-c.adapter.Shutdown:
			logger.Debug("Connection closed due to server shutdown", logger.KeyConnectionID, c.id)
			return
		default:
		}

		req, err := c.readRequest()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.serveRequest(ctx, req) {
			return
		}
	}
}

// readRequest waits up to the idle timeout for the next request, then
// reads its headers under the read timeout and header size limit.
func (c *Connection) readRequest() (*http.Request, error) {
	cfg := c.adapter.config

	if err := c.conn.SetReadDeadline(deadline(cfg.Timeouts.Idle)); err != nil {
		return nil, fmt.Errorf("set idle deadline: %w", err)
	}
	// Shutdown closes the channel before shortening read deadlines, so a
	// shutdown that raced the line above is caught here.
	if c.adapter.shuttingDown() {
		return nil, errShuttingDown
	}
	if _, err := c.br.Peek(1); err != nil {
		return nil, err
	}

	if err := c.conn.SetReadDeadline(deadline(cfg.Timeouts.Read)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	c.cr.setLimit(int64(cfg.MaxHeaderBytes) + ioBufferSize)
	req, err := http.ReadRequest(c.br)
	hitLimit := c.cr.hitLimit
	c.cr.setLimit(math.MaxInt64)

	switch {
	case err == nil:
	case hitLimit:
		return nil, errHeaderTooLarge
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isTimeout(err):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}

	if req.ProtoMajor != 1 {
		return nil, fmt.Errorf("%w: %s", errUnsupportedVersion, req.Proto)
	}
	if req.ProtoAtLeast(1, 1) && req.Host == "" {
		return nil, fmt.Errorf("%w: missing Host header", errMalformedRequest)
	}

	req.RemoteAddr = c.conn.RemoteAddr().String()
	return req, nil
}

func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("Connection closed by client", logger.KeyConnectionID, c.id)
	case errors.Is(err, errShuttingDown), isTimeout(err) && c.adapter.shuttingDown():
		logger.Debug("Connection closed for shutdown", logger.KeyConnectionID, c.id)
	case isTimeout(err):
		logger.Debug("Connection idle timeout", logger.KeyConnectionID, c.id)
	case c.adapter.MapError(err) != nil:
		logger.Debug("Rejecting request", logger.KeyConnectionID, c.id, logger.KeyError, err)
		c.writeError(nil, err)
	default:
		logger.Debug("Error reading request", logger.KeyConnectionID, c.id, logger.KeyError, err)
	}
}

// serveRequest handles one request and reports whether the connection
// should stay open.
func (c *Connection) serveRequest(ctx context.Context, req *http.Request) bool {
	readAt := time.Now()
	c.seq++
	c.adapter.requests.Add(1)

	expectContinue := false
	if exp := req.Header.Get("Expect"); exp != "" && req.ProtoAtLeast(1, 1) {
		if !strings.EqualFold(exp, "100-continue") {
			c.writeError(req, fmt.Errorf("%w: %q", errExpectation, exp))
			return false
		}
		req.Header.Del("Expect")
		expectContinue = true
	}

	ctx, span := telemetry.StartRequestSpan(ctx, req.Method, req.URL.Path,
		telemetry.ClientIP(c.lc.ClientIP),
		telemetry.ConnectionID(c.id),
		telemetry.RequestSeq(c.seq))
	defer span.End()

	lc := c.lc.WithRequest(req.Method, req.URL.Path).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	ticket, err := c.admit(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.DebugCtx(ctx, "Request not admitted", logger.KeyError, err)
		c.writeError(req, err)
		return false
	}
	admittedAt := time.Now()

	info := observer.RequestInfo{
		ConnectionID: c.id,
		Seq:          c.seq,
		Method:       req.Method,
		Path:         req.URL.Path,
		RemoteAddr:   req.RemoteAddr,
		Start:        readAt,
		Waited:       ticket.Waited(),
	}
	c.adapter.observer.RequestAdmitted(info)

	if err := c.conn.SetWriteDeadline(deadline(c.adapter.config.Timeouts.Write)); err != nil {
		logger.DebugCtx(ctx, "Failed to set write deadline", logger.KeyError, err)
	}

	resp := newResponse(req, c.bw, c.adapter.buffers)
	if c.adapter.shuttingDown() {
		resp.closeAfter = true
	}

	body := &requestBody{rc: req.Body, sawEOF: req.Body == nil || req.Body == http.NoBody}
	if expectContinue && !body.sawEOF {
		body.onFirstRead = func() {
			if !resp.committed {
				resp.writeContinue()
			}
		}
	}
	req.Body = body

	panicked := c.runHandler(resp, req.WithContext(ctx), ticket)
	c.recordTicketsInUse()

	if panicked {
		if !resp.committed {
			_ = writeErrorResponse(c.bw, req, http.StatusInternalServerError, true)
			resp.status = http.StatusInternalServerError
		}
		c.linger = !body.sawEOF
		resp.release()
		span.SetStatus(codes.Error, "handler panic")
		c.adapter.observer.RequestCompleted(info, resp.status, resp.written, time.Since(admittedAt))
		return false
	}

	if !body.sawEOF {
		switch {
		case body.onFirstRead != nil:
			// 100 Continue was never sent, so the client may be holding
			// the body back. The connection state is unknown.
			resp.closeAfter = true
		case !c.discardBody(body):
			resp.closeAfter = true
			c.linger = true
		}
	}

	resp.finish()
	resp.flushSocket()
	resp.release()

	span.SetAttributes(telemetry.Status(resp.status), telemetry.ResponseSize(resp.written))
	if resp.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.status))
	}

	c.adapter.observer.RequestCompleted(info, resp.status, resp.written, time.Since(admittedAt))

	if resp.err != nil {
		logger.DebugCtx(ctx, "Error writing response", logger.KeyError, resp.err)
		return false
	}
	return !resp.closeAfter
}

// admit waits for the rate limiter and then for an admission ticket, so a
// throttled request never holds one of the N slots.
func (c *Connection) admit(ctx context.Context) (*admission.Ticket, error) {
	spanCtx, span := telemetry.StartSpan(ctx, telemetry.SpanAdmission)
	defer span.End()

	if err := c.adapter.throttle(spanCtx); err != nil {
		if c.adapter.shuttingDown() {
			return nil, fmt.Errorf("%w: %w", errShuttingDown, err)
		}
		return nil, err
	}

	ticket, err := c.adapter.admission.Acquire(spanCtx)
	if err != nil {
		if c.adapter.shuttingDown() {
			return nil, fmt.Errorf("%w: %w", errShuttingDown, err)
		}
		return nil, err
	}
	span.SetAttributes(telemetry.AdmissionWaitMs(float64(ticket.Waited().Microseconds()) / 1000.0))
	c.recordTicketsInUse()
	return ticket, nil
}

// runHandler invokes the WebDAV handler. The ticket is released on every
// exit path, panics included.
func (c *Connection) runHandler(resp *response, req *http.Request, ticket *admission.Ticket) (panicked bool) {
	defer ticket.Release()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if r == http.ErrAbortHandler {
				return
			}
			logger.ErrorCtx(req.Context(), "Panic in request handler",
				logger.KeyError, r,
				"stack", string(debug.Stack()))
		}
	}()

	c.adapter.handler.ServeHTTP(resp, req)
	return false
}

// discardBody reads what the handler left of the request body, up to
// maxBodyDrain. It reports whether the body was fully consumed.
func (c *Connection) discardBody(body *requestBody) bool {
	buf := c.adapter.buffers.GetTransfer()
	defer c.adapter.buffers.Put(buf)

	var total int64
	for total <= maxBodyDrain {
		n, err := body.Read(buf)
		total += int64(n)
		if body.sawEOF {
			return true
		}
		if err != nil {
			return false
		}
	}
	return false
}

func (c *Connection) recordTicketsInUse() {
	if m := c.adapter.metrics; m != nil {
		m.SetTicketsInUse(c.adapter.admission.InUse())
	}
}

// writeError answers a request that never reached the handler and closes.
func (c *Connection) writeError(req *http.Request, err error) {
	status := http.StatusInternalServerError
	if pe := c.adapter.MapError(err); pe != nil {
		status = int(pe.Code())
	}

	if derr := c.conn.SetWriteDeadline(deadline(c.adapter.config.Timeouts.Write)); derr != nil {
		logger.Debug("Failed to set write deadline", logger.KeyConnectionID, c.id, logger.KeyError, derr)
	}
	if werr := writeErrorResponse(c.bw, req, status, true); werr != nil {
		logger.Debug("Failed to write error response",
			logger.KeyConnectionID, c.id, logger.KeyStatus, status, logger.KeyError, werr)
		return
	}
	c.linger = true
}

// handleConnectionClose recovers a panic in the connection loop and closes
// the socket.
func (c *Connection) handleConnectionClose() {
	if r := recover(); r != nil {
		logger.Error("Panic in connection handler",
			logger.KeyConnectionID, c.id,
			logger.KeyAddress, c.conn.RemoteAddr().String(),
			logger.KeyError, r,
			"stack", string(debug.Stack()))
	}
	logger.Debug("Connection finished", logger.KeyConnectionID, c.id, logger.KeyRequests, c.seq)

	if c.linger {
		c.closeWriteAndWait()
	}
	_ = c.conn.Close()
}

// closeWriteAndWait sends a FIN and waits briefly before the full close.
func (c *Connection) closeWriteAndWait() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := c.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}

	timer := time.NewTimer(lingerDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.adapter.Shutdown:
	}
}

// requestBody tracks whether the handler consumed the whole body. Close is
// a no-op so a handler cannot trigger an unbounded drain.
type requestBody struct {
	rc          io.ReadCloser
	sawEOF      bool
	onFirstRead func()
}

func (b *requestBody) Read(p []byte) (int, error) {
	if b.sawEOF {
		return 0, io.EOF
	}
	if f := b.onFirstRead; f != nil {
		b.onFirstRead = nil
		f()
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.sawEOF = true
	}
	return n, err
}

func (b *requestBody) Close() error {
	return nil
}

// connReader caps how much may be read while parsing request headers.
type connReader struct {
	r        io.Reader
	remain   int64
	hitLimit bool
}

func (cr *connReader) setLimit(n int64) {
	cr.remain = n
	cr.hitLimit = false
}

func (cr *connReader) Read(p []byte) (int, error) {
	if cr.remain <= 0 {
		cr.hitLimit = true
		return 0, io.EOF
	}
	if int64(len(p)) > cr.remain {
		p = p[:cr.remain]
	}
	n, err := cr.r.Read(p)
	cr.remain -= int64(n)
	return n, err
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
