package webdav

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/marmos91/edgedav/pkg/observer"
	"github.com/marmos91/edgedav/pkg/vfs"
)

// ============================================================================
// Helpers
// ============================================================================

func newMemFS(t *testing.T) *vfs.FS {
	t.Helper()
	fs, err := vfs.New(afero.NewMemMapFs(), vfs.Options{})
	require.NoError(t, err)
	return fs
}

func testConfig() Config {
	return Config{
		BindAddress:           "127.0.0.1",
		Port:                  -1,
		MaxConcurrentRequests: 2,
		Timeouts: TimeoutsConfig{
			Idle:     5 * time.Second,
			Shutdown: 2 * time.Second,
		},
	}
}

// startAdapter serves fs on a loopback port until the test ends.
func startAdapter(t *testing.T, cfg Config, fs webdav.FileSystem, obs observer.Observer) (*Adapter, string) {
	t.Helper()

	a, err := New(cfg, fs, nil, obs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx) }()

	addr := a.GetListenerAddr()
	require.NotEmpty(t, addr)

	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("adapter did not stop")
		}
	})
	return a, addr
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

// do sends one request on the client's connection and reads the response.
func (c *client) do(method, path, body string, headers ...string) (*http.Response, string) {
	c.t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: edge\r\nContent-Length: %d\r\n", method, path, len(body))
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n" + body)

	_, err := io.WriteString(c.conn, b.String())
	require.NoError(c.t, err)
	return c.read(method)
}

func (c *client) read(method string) (*http.Response, string) {
	c.t.Helper()
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	require.NoError(c.t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, string(data)
}

// expectClosed asserts the server closed the connection.
func (c *client) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.br.ReadByte()
	assert.ErrorIs(c.t, err, io.EOF)
}

// gateFS blocks file creation until the gate is opened and tracks how many
// requests are inside the handler at once.
type gateFS struct {
	webdav.FileSystem
	gate   chan struct{}
	inside atomic.Int32
	max    atomic.Int32
}

func (g *gateFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&os.O_CREATE != 0 {
		n := g.inside.Add(1)
		for {
			m := g.max.Load()
			if n <= m || g.max.CompareAndSwap(m, n) {
				break
			}
		}
		<-g.gate
		defer g.inside.Add(-1)
	}
	return g.FileSystem.OpenFile(ctx, name, flag, perm)
}

// panicFS panics when one path is opened.
type panicFS struct {
	webdav.FileSystem
}

func (p panicFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if name == "/boom" {
		panic("open exploded")
	}
	return p.FileSystem.OpenFile(ctx, name, flag, perm)
}

type countingObserver struct {
	observer.Nop
	accepted, admitted, completed atomic.Int32
}

func (o *countingObserver) ConnectionAccepted(observer.ConnInfo) { o.accepted.Add(1) }
func (o *countingObserver) RequestAdmitted(observer.RequestInfo) { o.admitted.Add(1) }
func (o *countingObserver) RequestCompleted(observer.RequestInfo, int, int64, time.Duration) {
	o.completed.Add(1)
}

// ============================================================================
// Request Loop Tests
// ============================================================================

func TestKeepAliveRoundTripInOrder(t *testing.T) {
	obs := &countingObserver{}
	a, addr := startAdapter(t, testConfig(), newMemFS(t), obs)
	c := dial(t, addr)

	// More writes than the admission limit on one connection.
	const files = 6
	for i := 0; i < files; i++ {
		resp, _ := c.do(http.MethodPut, fmt.Sprintf("/f%d.txt", i), fmt.Sprintf("content-%d", i))
		require.Equal(t, http.StatusCreated, resp.StatusCode, "PUT %d", i)
	}
	for i := 0; i < files; i++ {
		resp, body := c.do(http.MethodGet, fmt.Sprintf("/f%d.txt", i), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, fmt.Sprintf("content-%d", i), body)
	}

	assert.Equal(t, uint64(1), a.GetAcceptedConnections())
	assert.Equal(t, uint64(2*files), a.Stats().Requests)
	assert.Zero(t, a.Admission().InUse())
	assert.Equal(t, int32(1), obs.accepted.Load())
	assert.Equal(t, int32(2*files), obs.admitted.Load())
	assert.Equal(t, int32(2*files), obs.completed.Load())
}

func TestAdmissionBoundsConcurrentRequests(t *testing.T) {
	gate := &gateFS{FileSystem: newMemFS(t), gate: make(chan struct{})}
	a, addr := startAdapter(t, testConfig(), gate, nil)

	const clients = 5
	statuses := make(chan int, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := dial(t, addr)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var b strings.Builder
			fmt.Fprintf(&b, "PUT /client%d HTTP/1.1\r\nHost: edge\r\nContent-Length: 4\r\n\r\ndata", i)
			if _, err := io.WriteString(c.conn, b.String()); err != nil {
				statuses <- 0
				return
			}
			resp, err := http.ReadResponse(c.br, &http.Request{Method: http.MethodPut})
			if err != nil {
				statuses <- 0
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			statuses <- resp.StatusCode
		}(i)
	}

	// All connections are accepted; only two requests get past admission.
	require.Eventually(t, func() bool {
		return a.GetActiveConnections() == clients &&
			a.Admission().InUse() == 2 &&
			a.Admission().Waiting() == 3 &&
			gate.inside.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)

	close(gate.gate)
	wg.Wait()
	close(statuses)

	for s := range statuses {
		assert.Equal(t, http.StatusCreated, s)
	}
	assert.Equal(t, int32(2), gate.max.Load())
	assert.Zero(t, a.Admission().InUse())
}

func TestHeadThenGetOnSameConnection(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	resp, _ := c.do(http.MethodPut, "/doc.txt", "0123456789")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := c.do(http.MethodHead, "/doc.txt", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(10), resp.ContentLength)
	assert.Empty(t, body)

	resp, body = c.do(http.MethodGet, "/doc.txt", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", body)
}

func TestPropfindLargeListingIsChunked(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	resp, _ := c.do("MKCOL", "/dir", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for i := 0; i < 40; i++ {
		resp, _ := c.do(http.MethodPut, fmt.Sprintf("/dir/file-with-a-long-name-%02d.txt", i), "x")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := c.do("PROPFIND", "/dir", "", "Depth: 1")
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Contains(t, body, "file-with-a-long-name-39.txt")

	// The connection survives a chunked response.
	resp, _ = c.do(http.MethodGet, "/dir/file-with-a-long-name-00.txt", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpectContinue(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	_, err := io.WriteString(c.conn, "PUT /upload.bin HTTP/1.1\r\nHost: edge\r\nContent-Length: 7\r\nExpect: 100-continue\r\n\r\n")
	require.NoError(t, err)

	interim, err := http.ReadResponse(c.br, &http.Request{Method: http.MethodPut})
	require.NoError(t, err)
	assert.Equal(t, http.StatusContinue, interim.StatusCode)

	_, err = io.WriteString(c.conn, "payload")
	require.NoError(t, err)

	resp, _ := c.read(http.MethodPut)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := c.do(http.MethodGet, "/upload.bin", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "payload", body)
}

func TestUnsupportedExpectation(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	resp, _ := c.do(http.MethodPut, "/x", "", "Expect: 200-ok")
	assert.Equal(t, http.StatusExpectationFailed, resp.StatusCode)
	c.expectClosed()
}

func TestConnectionClose(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	resp, _ := c.do(http.MethodOptions, "/", "", "Connection: close")
	assert.True(t, resp.Close)
	c.expectClosed()
}

func TestMalformedRequestGets400(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	_, err := io.WriteString(c.conn, "this is not http\r\n\r\n")
	require.NoError(t, err)

	resp, _ := c.read(http.MethodGet)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	c.expectClosed()
}

func TestMissingHostGets400(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	_, err := io.WriteString(c.conn, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	resp, _ := c.read(http.MethodGet)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOversizedHeaderGets431(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeaderBytes = 1024
	_, addr := startAdapter(t, cfg, newMemFS(t), nil)
	c := dial(t, addr)

	big := strings.Repeat("a", 16<<10)
	_, err := io.WriteString(c.conn, "GET / HTTP/1.1\r\nHost: edge\r\nX-Big: "+big+"\r\n\r\n")
	require.NoError(t, err)

	resp, _ := c.read(http.MethodGet)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
}

func TestHandlerPanicClosesOnlyThatConnection(t *testing.T) {
	a, addr := startAdapter(t, testConfig(), panicFS{newMemFS(t)}, nil)

	bad := dial(t, addr)
	resp, _ := bad.do(http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	bad.expectClosed()

	assert.Zero(t, a.Admission().InUse(), "ticket released after panic")

	good := dial(t, addr)
	resp, _ = good.do(http.MethodPut, "/ok.txt", "fine")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUnreadBodyIsDrained(t *testing.T) {
	_, addr := startAdapter(t, testConfig(), newMemFS(t), nil)
	c := dial(t, addr)

	// GET with a body the handler never reads.
	resp, _ := c.do(http.MethodGet, "/missing", "ignored body")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, resp.Close)

	resp, _ = c.do(http.MethodPut, "/after.txt", "still in sync")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRateLimitedRequestsStillComplete(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: 200, Burst: 1}
	_, addr := startAdapter(t, cfg, newMemFS(t), nil)
	c := dial(t, addr)

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, _ := c.do(http.MethodOptions, "/", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestThrottledRequestHoldsNoTicket(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: 5, Burst: 1}
	a, err := New(cfg, newMemFS(t), nil, nil)
	require.NoError(t, err)
	require.True(t, a.limiter.Allow(), "drain the burst")

	c := &Connection{adapter: a}
	admitted := make(chan error, 1)
	go func() {
		ticket, err := c.admit(context.Background())
		if err == nil {
			ticket.Release()
		}
		admitted <- err
	}()

	// The only slot stays free while the request waits for a token.
	other, ok := a.admission.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, int64(1), a.admission.InUse())

	select {
	case err := <-admitted:
		t.Fatalf("admitted while the slot was taken: %v", err)
	case <-time.After(400 * time.Millisecond):
	}

	other.Release()
	select {
	case err := <-admitted:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request never admitted")
	}
	assert.Zero(t, a.admission.InUse())
}

func TestStopWithIdleConnection(t *testing.T) {
	a, err := New(testConfig(), newMemFS(t), nil, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- a.Serve(context.Background()) }()
	addr := a.GetListenerAddr()

	c := dial(t, addr)
	resp, _ := c.do(http.MethodOptions, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1, 2", resp.Header.Get("DAV"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	c.expectClosed()
}

func TestBindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Port = l.Addr().(*net.TCPAddr).Port

	a, err := New(cfg, newMemFS(t), nil, nil)
	require.NoError(t, err)
	assert.Error(t, a.Serve(context.Background()))
	assert.Empty(t, a.GetListenerAddr())
}

// ============================================================================
// Configuration & Error Mapping
// ============================================================================

func TestNewValidation(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxConcurrentRequests = -1
	_, err = New(cfg, newMemFS(t), nil, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true}
	_, err = New(cfg, newMemFS(t), nil, nil)
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentRequests)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Read)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Write)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Idle)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Shutdown)
	assert.Equal(t, 16<<10, cfg.BufferSize)
	assert.Equal(t, DefaultMaxHeaderBytes, cfg.MaxHeaderBytes)
	assert.NoError(t, cfg.validate())
}

func TestReadTimeoutCoversHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Read = 100 * time.Millisecond
	_, addr := startAdapter(t, cfg, newMemFS(t), nil)
	c := dial(t, addr)

	// Headers that never finish are cut off by the read timeout, well
	// before the idle timeout.
	start := time.Now()
	_, err := io.WriteString(c.conn, "GET / HTTP/1.1\r\nHost: edge\r\n")
	require.NoError(t, err)

	c.expectClosed()
	assert.Less(t, time.Since(start), cfg.Timeouts.Idle)
}

func TestMapError(t *testing.T) {
	a, err := New(testConfig(), newMemFS(t), nil, nil)
	require.NoError(t, err)

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: junk", errMalformedRequest), http.StatusBadRequest},
		{errHeaderTooLarge, http.StatusRequestHeaderFieldsTooLarge},
		{errUnsupportedVersion, http.StatusHTTPVersionNotSupported},
		{errExpectation, http.StatusExpectationFailed},
		{fmt.Errorf("open: %w", vfs.ErrTooManyOpenFiles), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", errShuttingDown, context.Canceled), http.StatusServiceUnavailable},
		{os.ErrNotExist, http.StatusNotFound},
		{os.ErrPermission, http.StatusForbidden},
	}
	for _, tc := range cases {
		pe := a.MapError(tc.err)
		require.NotNil(t, pe, tc.err.Error())
		assert.Equal(t, uint32(tc.want), pe.Code(), tc.err.Error())
		assert.True(t, errors.Is(pe, tc.err) || errors.Is(pe.Unwrap(), tc.err))
	}

	assert.Nil(t, a.MapError(nil))
	assert.Nil(t, a.MapError(errors.New("something else")))
}
