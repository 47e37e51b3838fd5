package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. HTTP keys follow OpenTelemetry semantic conventions; the
// rest use a component prefix.
const (
	// ========================================================================
	// Client
	// ========================================================================
	AttrClientIP   = "client.address"
	AttrClientPort = "client.port"

	// ========================================================================
	// HTTP / WebDAV
	// ========================================================================
	AttrProtocol     = "network.protocol.name"
	AttrMethod       = "http.request.method"
	AttrPath         = "url.path"
	AttrStatus       = "http.response.status_code"
	AttrResponseSize = "http.response.body.size"
	AttrRequestSize  = "http.request.body.size"
	AttrConnectionID = "webdav.connection_id"
	AttrRequestSeq   = "webdav.request_seq"

	// ========================================================================
	// Admission
	// ========================================================================
	AttrAdmissionCapacity = "admission.capacity"
	AttrAdmissionWaitMs   = "admission.wait_ms"

	// ========================================================================
	// Connectivity
	// ========================================================================
	AttrConnState    = "connectivity.state"
	AttrConnAttempt  = "connectivity.attempt"
	AttrConnPhase    = "connectivity.phase"
	AttrConnBounded  = "connectivity.bounded"
	AttrConnDriver   = "connectivity.driver"
	AttrIPAddress    = "connectivity.ip"
	AttrVolumeRoot   = "volume.root"
	AttrVolumeFree   = "volume.free_bytes"
	AttrVolumeTotal  = "volume.total_bytes"
	AttrVolumeDriver = "volume.driver"
)

// Span names.
const (
	SpanWebDAVRequest = "webdav.request"
	SpanAdmission     = "admission.acquire"

	SpanConnConfigure = "connectivity.configure"
	SpanConnBringUp   = "connectivity.bring_up"
	SpanConnCycle     = "connectivity.cycle"

	SpanVolumeMount   = "volume.mount"
	SpanVolumeUnmount = "volume.unmount"
)

// ClientIP returns an attribute for the client IP address.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// Method returns an attribute for the HTTP/WebDAV method.
func Method(m string) attribute.KeyValue {
	return attribute.String(AttrMethod, m)
}

// Path returns an attribute for the request path.
func Path(p string) attribute.KeyValue {
	return attribute.String(AttrPath, p)
}

// Status returns an attribute for the response status code.
func Status(code int) attribute.KeyValue {
	return attribute.Int(AttrStatus, code)
}

// ResponseSize returns an attribute for response body bytes.
func ResponseSize(n int64) attribute.KeyValue {
	return attribute.Int64(AttrResponseSize, n)
}

// ConnectionID returns an attribute for the connection UUID.
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// RequestSeq returns an attribute for the request's position on its connection.
func RequestSeq(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrRequestSeq, int64(n))
}

// AdmissionWaitMs returns an attribute for time spent waiting for a ticket.
func AdmissionWaitMs(ms float64) attribute.KeyValue {
	return attribute.Float64(AttrAdmissionWaitMs, ms)
}

// ConnState returns an attribute for a connectivity state name.
func ConnState(s string) attribute.KeyValue {
	return attribute.String(AttrConnState, s)
}

// ConnAttempt returns an attribute for the consecutive failure count.
func ConnAttempt(n int) attribute.KeyValue {
	return attribute.Int(AttrConnAttempt, n)
}

// ConnPhase returns an attribute for a failing connect phase.
func ConnPhase(p string) attribute.KeyValue {
	return attribute.String(AttrConnPhase, p)
}

// IPAddress returns an attribute for the acquired address.
func IPAddress(addr string) attribute.KeyValue {
	return attribute.String(AttrIPAddress, addr)
}

// VolumeRoot returns an attribute for the mounted volume root.
func VolumeRoot(root string) attribute.KeyValue {
	return attribute.String(AttrVolumeRoot, root)
}

// StartRequestSpan starts the root span for one WebDAV request.
func StartRequestSpan(ctx context.Context, method, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+3)
	all = append(all,
		attribute.String(AttrProtocol, "webdav"),
		Method(method),
		Path(path),
	)
	all = append(all, attrs...)

	return StartSpan(ctx, SpanWebDAVRequest,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(all...),
	)
}

// StartConnectivitySpan starts a span for a supervisor operation. Cycles run
// in the background, so they are root spans with no parent.
func StartConnectivitySpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if name == SpanConnCycle {
		opts = append(opts, trace.WithNewRoot())
	}
	return StartSpan(ctx, name, opts...)
}

// StartVolumeSpan starts a span for a volume mount or unmount.
func StartVolumeSpan(ctx context.Context, name, root string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(VolumeRoot(root)))
}
