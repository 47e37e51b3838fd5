package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so log
// lines from the request server and the connectivity supervisor can be
// queried together.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Request Server
	// ========================================================================
	KeyProtocol     = "protocol"      // Always "webdav" for the file endpoint
	KeyConnectionID = "connection_id" // Per-connection UUID
	KeyClientIP     = "client_ip"     // Client IP address
	KeyAddress      = "address"       // Remote or listen address (host:port)
	KeyPort         = "port"          // Listen port
	KeyMethod       = "method"        // HTTP/WebDAV method
	KeyPath         = "path"          // Request or filesystem path
	KeyStatus       = "status"        // HTTP status code
	KeyBytes        = "bytes"         // Response body bytes written
	KeyActive       = "active"        // Active connection count
	KeyRequests     = "requests"      // Requests served on a connection

	// ========================================================================
	// Admission
	// ========================================================================
	KeyCapacity = "capacity" // Admission limit N
	KeyInUse    = "in_use"   // Tickets outstanding
	KeyWaiting  = "waiting"  // Callers blocked in Acquire
	KeyWaitMs   = "wait_ms"  // Time spent waiting for a ticket

	// ========================================================================
	// Connectivity
	// ========================================================================
	KeyState       = "state"        // Current connectivity state
	KeyFromState   = "from"         // Transition source state
	KeyToState     = "to"           // Transition target state
	KeyAttempt     = "attempt"      // Consecutive failed attempt number
	KeyMaxAttempts = "max_attempts" // Initial connect ceiling
	KeyPhase       = "phase"        // Failing phase: connect, ip
	KeyBackoff     = "backoff"      // Delay before the next attempt
	KeySSID        = "ssid"         // Network name
	KeyInterface   = "interface"    // Host interface name
	KeyDriver      = "driver"       // Driver implementation name

	// ========================================================================
	// Volume & Memory
	// ========================================================================
	KeyVolume     = "volume"      // Mounted volume root
	KeyTotalBytes = "total_bytes" // Volume capacity
	KeyFreeBytes  = "free_bytes"  // Volume free space
	KeyHeapAlloc  = "heap_alloc"  // Go heap bytes in use
	KeyHeapSys    = "heap_sys"    // Go heap bytes obtained from the OS
	KeySysFree    = "sys_free"    // System available memory

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// ConnectionID returns a slog.Attr for a connection identifier.
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// Method returns a slog.Attr for a request method.
func Method(m string) slog.Attr {
	return slog.String(KeyMethod, m)
}

// Path returns a slog.Attr for a path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Status returns a slog.Attr for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// State returns a slog.Attr for a connectivity state.
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// Attempt returns a slog.Attr for an attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error. A nil error yields an empty Attr,
// which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
