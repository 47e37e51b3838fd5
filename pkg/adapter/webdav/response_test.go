package webdav

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/edgedav/pkg/bufpool"
)

// render runs fn against a response for req and parses what went on the
// wire.
func render(t *testing.T, req *http.Request, fn func(w *response)) (*http.Response, []byte, *response) {
	t.Helper()

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	w := newResponse(req, bw, bufpool.NewPool(0))

	fn(w)
	w.finish()
	w.flushSocket()
	w.release()
	require.NoError(t, w.err)

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire.Bytes())), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body, w
}

func TestResponseSmallBodyGetsContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	resp, body, w := render(t, req, func(w *response) {
		_, _ = w.Write([]byte("hello "))
		_, _ = w.Write([]byte("world"))
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(11), resp.ContentLength)
	assert.Empty(t, resp.TransferEncoding)
	assert.Equal(t, "hello world", string(body))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.False(t, w.closeAfter)
}

func TestResponseEmptyBody(t *testing.T) {
	req := httptest.NewRequest("MKCOL", "/d", nil)
	resp, body, _ := render(t, req, func(w *response) {
		w.WriteHeader(http.StatusCreated)
	})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Empty(t, body)
}

func TestResponseLargeBodyIsChunked(t *testing.T) {
	payload := strings.Repeat("x", 3*bufpool.DefaultSmallSize)

	req := httptest.NewRequest("PROPFIND", "/", nil)
	resp, body, _ := render(t, req, func(w *response) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte(payload[i*bufpool.DefaultSmallSize : (i+1)*bufpool.DefaultSmallSize]))
		}
	})

	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, payload, string(body))
}

func TestResponseDeclaredLength(t *testing.T) {
	payload := strings.Repeat("y", 20000)

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	resp, body, w := render(t, req, func(w *response) {
		w.Header().Set("Content-Length", "20000")
		_, err := io.Copy(w, strings.NewReader(payload))
		assert.NoError(t, err)
	})

	assert.Equal(t, int64(20000), resp.ContentLength)
	assert.Empty(t, resp.TransferEncoding)
	assert.Equal(t, payload, string(body))
	assert.Equal(t, int64(20000), w.written)
}

func TestResponseDeclaredLengthOverflow(t *testing.T) {
	var wire bytes.Buffer
	w := newResponse(httptest.NewRequest(http.MethodGet, "/", nil), bufio.NewWriter(&wire), bufpool.NewPool(0))
	w.Header().Set("Content-Length", "3")

	_, err := w.Write([]byte("abcd"))
	assert.ErrorIs(t, err, http.ErrContentLength)
}

func TestResponseShortWriteClosesConnection(t *testing.T) {
	var wire bytes.Buffer
	w := newResponse(httptest.NewRequest(http.MethodGet, "/", nil), bufio.NewWriter(&wire), bufpool.NewPool(0))
	w.Header().Set("Content-Length", "10")
	_, _ = w.Write([]byte("abc"))
	w.finish()

	assert.True(t, w.closeAfter)
}

func TestResponseHead(t *testing.T) {
	req := httptest.NewRequest(http.MethodHead, "/a", nil)
	resp, body, _ := render(t, req, func(w *response) {
		_, _ = w.Write([]byte("not sent"))
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(8), resp.ContentLength)
	assert.Empty(t, body)
}

func TestResponseBodylessStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotModified} {
		req := httptest.NewRequest(http.MethodDelete, "/a", nil)
		resp, body, _ := render(t, req, func(w *response) {
			w.WriteHeader(status)
			_, err := w.Write([]byte("ignored"))
			assert.ErrorIs(t, err, http.ErrBodyNotAllowed)
		})

		assert.Equal(t, status, resp.StatusCode)
		assert.Empty(t, body)
		assert.Empty(t, resp.Header.Get("Transfer-Encoding"))
	}
}

func TestResponseInformational(t *testing.T) {
	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := newResponse(req, bw, bufpool.NewPool(0))

	w.WriteHeader(http.StatusProcessing)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("done"))
	w.finish()
	w.flushSocket()

	br := bufio.NewReader(bytes.NewReader(wire.Bytes()))
	interim, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusProcessing, interim.StatusCode)

	final, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, final.StatusCode)
}

func TestResponseHTTP10(t *testing.T) {
	t.Run("KnownLengthKeepsAlive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.0", 1, 0

		resp, _, w := render(t, req, func(w *response) {
			_, _ = w.Write([]byte("small"))
		})
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		assert.False(t, w.closeAfter)
	})

	t.Run("UnknownLengthCloses", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.0", 1, 0

		var wire bytes.Buffer
		w := newResponse(req, bufio.NewWriter(&wire), bufpool.NewPool(0))
		w.Flush()
		_, _ = w.Write([]byte("streamed"))
		w.finish()
		w.flushSocket()

		assert.True(t, w.closeAfter)
		assert.Contains(t, wire.String(), "Connection: close")
		assert.True(t, strings.HasSuffix(wire.String(), "\r\n\r\nstreamed"))
	})
}

func TestResponseFlushCommits(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, body, _ := render(t, req, func(w *response) {
		_, _ = w.Write([]byte("a"))
		w.Flush()
		assert.True(t, w.committed)
		_, _ = w.Write([]byte("b"))
	})

	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "ab", string(body))
}

func TestResponseRequestClose(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Close = true

	resp, _, w := render(t, req, func(w *response) {})
	assert.True(t, resp.Close)
	assert.True(t, w.closeAfter)
}

func TestWriteErrorResponse(t *testing.T) {
	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	require.NoError(t, writeErrorResponse(bw, nil, http.StatusBadRequest, true))

	resp, err := http.ReadResponse(bufio.NewReader(&wire), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.Equal(t, "400 Bad Request", string(body))
}
