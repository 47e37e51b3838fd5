package webdav

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/edgedav/pkg/bufpool"
)

// response is the http.ResponseWriter handed to the WebDAV handler.
//
// Small bodies are held back until the handler returns so they go out with
// a Content-Length. Larger or flushed bodies without a declared length are
// sent chunked (HTTP/1.1) or close-delimited (HTTP/1.0).
type response struct {
	req     *http.Request
	w       *bufio.Writer
	buffers *bufpool.Pool

	header      http.Header
	status      int
	wroteHeader bool // handler called WriteHeader with a final status
	committed   bool // status line and headers are on the wire

	pending []byte // body held back before commit

	contentLength int64 // -1 when not declared
	written       int64 // body bytes accepted from the handler
	chunked       io.WriteCloser

	closeAfter bool
	err        error // first write error on the socket
}

func newResponse(req *http.Request, w *bufio.Writer, buffers *bufpool.Pool) *response {
	return &response{
		req:           req,
		w:             w,
		buffers:       buffers,
		header:        make(http.Header),
		contentLength: -1,
		closeAfter:    req.Close,
	}
}

func (r *response) Header() http.Header {
	return r.header
}

func (r *response) WriteHeader(code int) {
	if r.wroteHeader || r.committed {
		return
	}
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}

	// Informational responses go out immediately and do not end the
	// exchange.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		r.writeInterim(code)
		return
	}

	r.wroteHeader = true
	r.status = code

	if cl := r.header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			r.contentLength = n
		} else {
			r.header.Del("Content-Length")
		}
	}
}

// writeContinue tells a client waiting on Expect: 100-continue to send
// the body.
func (r *response) writeContinue() {
	r.writeString("HTTP/1.1 100 Continue\r\n\r\n")
	r.flushSocket()
}

func (r *response) writeInterim(code int) {
	r.writeStatusLine(code)
	_ = r.header.Write(r.w)
	r.writeString("\r\n")
	r.flushSocket()
}

// bodyAllowed reports whether the status permits a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (r *response) isHead() bool {
	return r.req.Method == http.MethodHead
}

func (r *response) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !bodyAllowed(r.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if r.err != nil {
		return 0, r.err
	}

	if r.contentLength >= 0 && r.written+int64(len(p)) > r.contentLength {
		return 0, http.ErrContentLength
	}
	r.written += int64(len(p))

	if r.isHead() {
		return len(p), nil
	}

	if !r.committed {
		if len(r.pending)+len(p) <= r.pendingLimit() {
			if r.pending == nil {
				r.pending = r.buffers.Get(r.pendingLimit())[:0]
			}
			r.pending = append(r.pending, p...)
			return len(p), nil
		}
		r.commit(false)
	}

	if err := r.writeBody(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// pendingLimit is how much body is held back before committing.
func (r *response) pendingLimit() int {
	return bufpool.DefaultSmallSize
}

// ReadFrom copies through a pooled transfer buffer.
func (r *response) ReadFrom(src io.Reader) (int64, error) {
	buf := r.buffers.GetTransfer()
	defer r.buffers.Put(buf)
	return io.CopyBuffer(writerOnly{r}, src, buf)
}

// writerOnly hides ReadFrom so CopyBuffer does not recurse.
type writerOnly struct {
	io.Writer
}

// Flush commits the headers and pushes buffered bytes to the socket.
func (r *response) Flush() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.committed {
		r.commit(false)
	}
	r.flushSocket()
}

// commit writes the status line and headers. final means the handler has
// returned, so a held-back body has a known length.
func (r *response) commit(final bool) {
	if r.committed {
		return
	}
	r.committed = true

	h := r.header
	allowed := bodyAllowed(r.status)

	switch {
	case !allowed:
		h.Del("Transfer-Encoding")
		if r.status != http.StatusNotModified {
			h.Del("Content-Length")
		}
	case r.contentLength >= 0:
		h.Del("Transfer-Encoding")
	case final:
		r.contentLength = r.written
		h.Set("Content-Length", strconv.FormatInt(r.written, 10))
	case r.isHead():
		// Length unknown and no body will be sent.
	case r.req.ProtoAtLeast(1, 1):
		h.Set("Transfer-Encoding", "chunked")
		r.chunked = httputil.NewChunkedWriter(r.w)
	default:
		r.closeAfter = true
	}

	if !r.req.ProtoAtLeast(1, 1) && !r.closeAfter {
		h.Set("Connection", "keep-alive")
	}
	if r.closeAfter {
		h.Set("Connection", "close")
	}
	if _, ok := h["Date"]; !ok {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if allowed && h.Get("Content-Type") == "" && len(r.pending) > 0 {
		h.Set("Content-Type", http.DetectContentType(r.pending))
	}

	r.writeStatusLine(r.status)
	if err := h.Write(r.w); err != nil {
		r.setErr(err)
	}
	r.writeString("\r\n")

	if len(r.pending) > 0 {
		pending := r.pending
		r.pending = nil
		_ = r.writeBody(pending)
		r.buffers.Put(pending)
	}
}

func (r *response) writeStatusLine(code int) {
	text := http.StatusText(code)
	if text == "" {
		text = "status code " + strconv.Itoa(code)
	}
	r.writeString("HTTP/1.1 " + strconv.Itoa(code) + " " + text + "\r\n")
}

func (r *response) writeBody(p []byte) error {
	if r.err != nil {
		return r.err
	}
	var err error
	if r.chunked != nil {
		_, err = r.chunked.Write(p)
	} else {
		_, err = r.w.Write(p)
	}
	r.setErr(err)
	return err
}

func (r *response) writeString(s string) {
	if r.err != nil {
		return
	}
	_, err := r.w.WriteString(s)
	r.setErr(err)
}

func (r *response) flushSocket() {
	if r.err != nil {
		return
	}
	r.setErr(r.w.Flush())
}

func (r *response) setErr(err error) {
	if err != nil && r.err == nil {
		r.err = err
		r.closeAfter = true
	}
}

// finish completes the response after the handler returns. It does not
// flush the socket.
func (r *response) finish() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.commit(true)

	if r.chunked != nil {
		// Terminating chunk plus the empty trailer section.
		if err := r.chunked.Close(); err != nil {
			r.setErr(err)
		}
		r.writeString("\r\n")
	}

	// A handler that under-delivered a declared length leaves the client
	// waiting for bytes that will never come.
	if bodyAllowed(r.status) && !r.isHead() && r.contentLength >= 0 && r.written < r.contentLength {
		r.closeAfter = true
	}
}

// release returns any held-back buffer to the pool.
func (r *response) release() {
	if r.pending != nil {
		r.buffers.Put(r.pending)
		r.pending = nil
	}
}

// writeErrorResponse writes a short plain-text error and marks the
// connection for closing.
func writeErrorResponse(w *bufio.Writer, req *http.Request, status int, closeConn bool) error {
	body := strconv.Itoa(status) + " " + http.StatusText(status)
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")
	if closeConn || (req != nil && req.Close) {
		b.WriteString("Connection: close\r\n")
	}
	if req != nil && req.Method == http.MethodHead {
		b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	} else {
		b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
	}
	if _, err := w.WriteString(b.String()); err != nil {
		return err
	}
	return w.Flush()
}
