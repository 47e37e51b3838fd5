// Package netif implements connectivity.Driver over a host network interface.
//
// The host OS owns association (wpa_supplicant, NetworkManager, ...), so the
// driver only observes: the link is associated while the interface is up and
// running, and IP is ready once it carries a non-loopback unicast address.
package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/pkg/connectivity"
)

// DefaultPollInterval is how often interface status is sampled.
const DefaultPollInterval = 500 * time.Millisecond

// ErrInterfaceDown is returned by Connect when the interface is not up.
var ErrInterfaceDown = errors.New("network interface is down")

// statusFunc reports flags and addresses for an interface name.
type statusFunc func(name string) (net.Flags, []net.Addr, error)

// Driver polls a named host interface.
type Driver struct {
	name     string
	interval time.Duration
	status   statusFunc
}

var _ connectivity.Driver = (*Driver)(nil)

// New creates a driver for the named interface. A non-positive interval
// selects DefaultPollInterval.
func New(name string, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Driver{name: name, interval: interval, status: hostStatus}
}

func hostStatus(name string) (net.Flags, []net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return iface.Flags, nil, err
	}
	return iface.Flags, addrs, nil
}

// Name implements connectivity.Named.
func (d *Driver) Name() string { return "netif:" + d.name }

// Configure checks the interface exists. Credentials are applied by the
// host's own network manager and only logged here.
func (d *Driver) Configure(_ context.Context, creds *connectivity.Credentials) error {
	if _, _, err := d.status(d.name); err != nil {
		return fmt.Errorf("interface %q: %w", d.name, err)
	}
	logger.Debug("Host interface manages association",
		logger.KeyInterface, d.name, logger.KeySSID, creds.SSID())
	return nil
}

// Start checks the interface is still present.
func (d *Driver) Start(_ context.Context) error {
	if _, _, err := d.status(d.name); err != nil {
		return fmt.Errorf("interface %q: %w", d.name, err)
	}
	return nil
}

// Connect succeeds when the interface is up.
func (d *Driver) Connect(_ context.Context) error {
	link, err := d.link()
	if err != nil {
		return err
	}
	if !link.Associated {
		return fmt.Errorf("%w: %s", ErrInterfaceDown, d.name)
	}
	return nil
}

// WaitForLinkState polls until until(link) holds. Lookup errors are returned.
func (d *Driver) WaitForLinkState(ctx context.Context, until func(connectivity.LinkState) bool) error {
	return d.poll(ctx, func() (bool, error) {
		link, err := d.link()
		if err != nil {
			return false, err
		}
		return until(link), nil
	})
}

// WaitForIPState polls until until(ip) holds.
func (d *Driver) WaitForIPState(ctx context.Context, until func(connectivity.IPState) bool) error {
	return d.poll(ctx, func() (bool, error) {
		ip, err := d.ip()
		if err != nil {
			return false, err
		}
		return until(ip), nil
	})
}

func (d *Driver) link() (connectivity.LinkState, error) {
	flags, _, err := d.status(d.name)
	if err != nil {
		return connectivity.LinkState{}, fmt.Errorf("interface %q: %w: %w", d.name, connectivity.ErrLinkUnavailable, err)
	}
	up := flags&net.FlagUp != 0 && flags&net.FlagRunning != 0
	return connectivity.LinkState{Associated: up}, nil
}

func (d *Driver) ip() (connectivity.IPState, error) {
	flags, addrs, err := d.status(d.name)
	if err != nil {
		return connectivity.IPState{}, fmt.Errorf("interface %q: %w", d.name, err)
	}
	if flags&net.FlagUp == 0 {
		return connectivity.IPState{}, nil
	}
	if addr, ok := usableAddress(addrs); ok {
		return connectivity.IPState{Ready: true, Address: addr}, nil
	}
	return connectivity.IPState{}, nil
}

// usableAddress returns the first global unicast address, preferring IPv4.
func usableAddress(addrs []net.Addr) (netip.Addr, bool) {
	var v6 netip.Addr
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}

		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !addr.IsGlobalUnicast() && !addr.IsPrivate() {
			continue
		}
		if addr.Is4() {
			return addr, true
		}
		if !v6.IsValid() {
			v6 = addr
		}
	}
	return v6, v6.IsValid()
}

func (d *Driver) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
