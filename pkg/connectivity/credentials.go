package connectivity

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
)

const (
	maxSSIDLen       = 32
	minPassphraseLen = 8
	maxPassphraseLen = 63
	rawPSKHexLen     = 64
)

// Credentials holds the network name and passphrase for the uplink. The
// passphrase lives in an encrypted memguard enclave and is only decrypted
// inside WithPassphrase.
type Credentials struct {
	ssid       string
	passphrase *memguard.Enclave
}

// NewCredentials validates and seals the credentials. The passphrase slice is
// wiped before returning, whether or not validation succeeds. An empty
// passphrase selects an open network.
func NewCredentials(ssid string, passphrase []byte) (*Credentials, error) {
	if err := ValidateCredentials(ssid, passphrase); err != nil {
		memguard.WipeBytes(passphrase)
		return nil, err
	}

	// NewEnclave wipes passphrase and returns nil for an empty slice.
	return &Credentials{
		ssid:       ssid,
		passphrase: memguard.NewEnclave(passphrase),
	}, nil
}

// ValidateCredentials checks SSID and passphrase lengths without sealing
// anything. Errors wrap ErrInvalidCredentials.
func ValidateCredentials(ssid string, passphrase []byte) error {
	if len(ssid) == 0 || len(ssid) > maxSSIDLen {
		return fmt.Errorf("%w: ssid must be 1-%d bytes, got %d", ErrInvalidCredentials, maxSSIDLen, len(ssid))
	}

	switch n := len(passphrase); {
	case n == 0:
		return nil
	case n == rawPSKHexLen:
		if _, err := hex.DecodeString(string(passphrase)); err != nil {
			return fmt.Errorf("%w: 64-character passphrase must be a hex PSK", ErrInvalidCredentials)
		}
		return nil
	case n < minPassphraseLen || n > maxPassphraseLen:
		return fmt.Errorf("%w: passphrase must be %d-%d characters, got %d",
			ErrInvalidCredentials, minPassphraseLen, maxPassphraseLen, n)
	}
	return nil
}

// SSID returns the network name.
func (c *Credentials) SSID() string {
	if c == nil {
		return ""
	}
	return c.ssid
}

// Open reports whether the network has no passphrase.
func (c *Credentials) Open() bool {
	return c == nil || c.passphrase == nil
}

// WithPassphrase decrypts the passphrase into locked memory, calls fn with it,
// then destroys the plaintext. fn must not retain the slice. For an open
// network fn receives nil.
func (c *Credentials) WithPassphrase(fn func(passphrase []byte) error) error {
	if c.Open() {
		return fn(nil)
	}

	buf, err := c.passphrase.Open()
	if err != nil {
		return fmt.Errorf("failed to open passphrase enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// String never includes the passphrase.
func (c *Credentials) String() string {
	if c.Open() {
		return fmt.Sprintf("ssid=%q passphrase=<none>", c.SSID())
	}
	return fmt.Sprintf("ssid=%q passphrase=<redacted>", c.ssid)
}

// LogValue implements slog.LogValuer.
func (c *Credentials) LogValue() slog.Value {
	secret := "<redacted>"
	if c.Open() {
		secret = "<none>"
	}
	return slog.GroupValue(
		slog.String("ssid", c.SSID()),
		slog.String("passphrase", secret),
	)
}
