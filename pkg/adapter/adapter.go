// Package adapter holds the protocol-independent server plumbing: the
// Adapter lifecycle contract, the TCP accept loop in BaseAdapter, and the
// error-to-status mapping shared by protocol implementations.
package adapter

import "context"

// Adapter is a protocol server managed by the process orchestrator.
//
// Lifecycle:
//  1. Creation with protocol-specific configuration
//  2. Serve binds and blocks until ctx is cancelled or a fatal error occurs
//  3. Stop may be called concurrently with Serve to shut down early
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Serve blocks until ctx is cancelled (returning nil after a graceful
	// shutdown) or an unrecoverable error occurs. Returning early is treated
	// as fatal by the orchestrator.
	Serve(ctx context.Context) error

	// Stop shuts the server down, waiting for connections until ctx is done.
	// It is idempotent.
	Stop(ctx context.Context) error

	// Protocol returns a constant, human-readable protocol name.
	Protocol() string

	// Port returns the configured port.
	Port() int

	// MapError translates an error into a protocol status. It returns nil
	// for errors the protocol has no specific status for.
	MapError(err error) ProtocolError
}
