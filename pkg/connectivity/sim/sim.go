// Package sim provides a scriptable in-memory wireless driver.
//
// Connect results and IP results are consumed from FIFO queues; once a queue
// is empty the next call succeeds. Link drops are injected with DropLink.
// The driver is used by the supervisor tests and by the "sim" driver mode,
// which lets edgedav run on a machine with no radio.
package sim

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/marmos91/edgedav/pkg/connectivity"
)

// DefaultAddress is the address reported once IP is ready.
var DefaultAddress = netip.MustParseAddr("192.168.4.2")

// ErrNotStarted is returned by Connect before Start.
var ErrNotStarted = errors.New("sim: driver not started")

// Calls counts driver method invocations.
type Calls struct {
	Configure int
	Start     int
	Connect   int
	WaitLink  int
	WaitIP    int
}

// Driver is a simulated connectivity.Driver. It is safe for concurrent use.
type Driver struct {
	mu      sync.Mutex
	changed chan struct{}

	link    connectivity.LinkState
	ip      connectivity.IPState
	ipErr   error
	linkErr error
	started bool
	gateIP  bool
	address netip.Addr

	configureErr   error
	startErr       error
	connectResults []error
	ipResults      []error

	ssid       string
	passphrase []byte
	calls      Calls
}

var _ connectivity.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithConfigureError makes Configure fail.
func WithConfigureError(err error) Option {
	return func(d *Driver) { d.configureErr = err }
}

// WithStartError makes Start fail.
func WithStartError(err error) Option {
	return func(d *Driver) { d.startErr = err }
}

// WithAddress sets the address reported once IP is ready.
func WithAddress(addr netip.Addr) Option {
	return func(d *Driver) { d.address = addr }
}

// New creates a simulated driver with an empty script.
func New(opts ...Option) *Driver {
	d := &Driver{
		changed: make(chan struct{}),
		address: DefaultAddress,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements connectivity.Named.
func (d *Driver) Name() string { return "sim" }

// ============================================================================
// Script
// ============================================================================

// QueueConnect appends Connect results. nil means success.
func (d *Driver) QueueConnect(results ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectResults = append(d.connectResults, results...)
}

// QueueIP appends IP acquisition results, consumed one per successful
// Connect. A non-nil result is returned by the next WaitForIPState and
// drops the link, as a failed DHCP exchange would.
func (d *Driver) QueueIP(results ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ipResults = append(d.ipResults, results...)
}

// GateIP holds IP acquisition after Connect until ReleaseIP is called.
func (d *Driver) GateIP() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateIP = true
}

// ReleaseIP opens the IP gate and makes an associated link ready.
func (d *Driver) ReleaseIP() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateIP = false
	if d.link.Associated && d.ipErr == nil {
		d.ip = connectivity.IPState{Ready: true, Address: d.address}
		d.notifyLocked()
	}
}

// DropLink simulates loss of association.
func (d *Driver) DropLink() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.link.Associated = false
	d.ip = connectivity.IPState{}
	d.notifyLocked()
}

// FailLinkWatch makes WaitForLinkState return err until it is called again
// with nil.
func (d *Driver) FailLinkWatch(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkErr = err
	d.notifyLocked()
}

// Link returns the simulated link state.
func (d *Driver) Link() connectivity.LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link
}

// Calls returns a copy of the call counters.
func (d *Driver) Calls() Calls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// SSID returns the SSID passed to Configure.
func (d *Driver) SSID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ssid
}

// Passphrase returns a copy of the passphrase passed to Configure.
func (d *Driver) Passphrase() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.passphrase...)
}

// ============================================================================
// connectivity.Driver
// ============================================================================

// Configure records the credentials.
func (d *Driver) Configure(_ context.Context, creds *connectivity.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Configure++
	if d.configureErr != nil {
		return d.configureErr
	}

	d.ssid = creds.SSID()
	return creds.WithPassphrase(func(p []byte) error {
		d.passphrase = append(d.passphrase[:0], p...)
		return nil
	})
}

// Start marks the driver started.
func (d *Driver) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Start++
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

// Connect pops the next scripted result. On success the link associates and,
// unless gated or scripted to fail, IP becomes ready.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Connect++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.started {
		return ErrNotStarted
	}

	if err := pop(&d.connectResults); err != nil {
		return err
	}

	d.link.Associated = true
	d.ip = connectivity.IPState{}
	d.ipErr = pop(&d.ipResults)
	if d.ipErr == nil && !d.gateIP {
		d.ip = connectivity.IPState{Ready: true, Address: d.address}
	}
	d.notifyLocked()
	return nil
}

// WaitForLinkState blocks until until(link) holds or ctx is done.
func (d *Driver) WaitForLinkState(ctx context.Context, until func(connectivity.LinkState) bool) error {
	d.mu.Lock()
	d.calls.WaitLink++
	d.mu.Unlock()

	return d.wait(ctx, func() (bool, error) {
		if d.linkErr != nil {
			return true, d.linkErr
		}
		return until(d.link), nil
	})
}

// WaitForIPState blocks until until(ip) holds, a scripted IP failure is
// pending, or ctx is done.
func (d *Driver) WaitForIPState(ctx context.Context, until func(connectivity.IPState) bool) error {
	d.mu.Lock()
	d.calls.WaitIP++
	d.mu.Unlock()

	return d.wait(ctx, func() (bool, error) {
		if err := d.ipErr; err != nil {
			d.ipErr = nil
			d.link.Associated = false
			d.notifyLocked()
			return true, err
		}
		return until(d.ip), nil
	})
}

// wait evaluates check under the lock each time the state changes.
func (d *Driver) wait(ctx context.Context, check func() (bool, error)) error {
	for {
		d.mu.Lock()
		done, err := check()
		ch := d.changed
		d.mu.Unlock()

		if done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// notifyLocked wakes every waiter. Caller holds d.mu.
func (d *Driver) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}
