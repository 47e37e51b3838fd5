package connectivity

import (
	"context"
	"net/netip"
)

// LinkState is the driver's layer-2 status.
type LinkState struct {
	Associated bool
}

// IPState is the driver's layer-3 status.
type IPState struct {
	Ready   bool
	Address netip.Addr
}

// Driver is the capability boundary over the radio or host interface. All
// methods block only the calling goroutine and must honour ctx.
//
// The Wait methods return as soon as the predicate holds for the current
// status, including immediately when it already holds on entry.
type Driver interface {
	// Configure applies credentials. The passphrase is only readable inside
	// Credentials.WithPassphrase.
	Configure(ctx context.Context, creds *Credentials) error

	// Start powers up the interface.
	Start(ctx context.Context) error

	WaitForLinkState(ctx context.Context, until func(LinkState) bool) error

	// Connect initiates association. It may return before the link is up.
	Connect(ctx context.Context) error

	WaitForIPState(ctx context.Context, until func(IPState) bool) error
}

// Named is implemented by drivers that report a name for logs and status.
type Named interface {
	Name() string
}

// DriverName returns d's name, or "unknown".
func DriverName(d Driver) string {
	if n, ok := d.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
