package metrics

import "time"

// WebDAVMetrics provides observability for the file server.
//
// Pass nil to disable collection. Callers check for nil before recording.
type WebDAVMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed after the
	// shutdown timeout.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordRequestStart increments the in-flight gauge for method.
	RecordRequestStart(method string)

	// RecordRequestEnd decrements the in-flight gauge for method.
	RecordRequestEnd(method string)

	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - method: HTTP/WebDAV method (GET, PUT, PROPFIND, ...)
	//   - status: response status code
	//   - duration: time from admission to the last byte written
	//   - bytes: response body bytes
	RecordRequest(method string, status int, duration time.Duration, bytes int64)

	// ObserveAdmissionWait records how long a request waited for a ticket.
	ObserveAdmissionWait(wait time.Duration)

	// SetTicketsInUse updates the outstanding admission ticket count.
	SetTicketsInUse(n int64)

	// RecordRateLimited counts requests delayed by the rate limiter.
	RecordRateLimited()
}
