// Package volume attaches the storage root that the file server exposes.
package volume

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMountFailed wraps any failure to attach the volume. Fatal at startup.
	ErrMountFailed = errors.New("volume mount failed")

	// ErrNotWritable means the volume root rejected a probe write.
	ErrNotWritable = errors.New("volume is not writable")

	// ErrNotMounted is returned by Unmount when nothing is mounted.
	ErrNotMounted = errors.New("volume is not mounted")

	// ErrAlreadyMounted is returned by Mount when a volume is attached.
	ErrAlreadyMounted = errors.New("volume is already mounted")
)

// Usage is a point-in-time capacity report.
type Usage struct {
	Total       uint64  `json:"total_bytes"`
	Free        uint64  `json:"free_bytes"`
	Used        uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Fstype      string  `json:"fstype,omitempty"`
}

// UsageFunc reports usage for a mounted root.
type UsageFunc func(ctx context.Context) (Usage, error)

// Volume is a mounted storage root. It is shared by all requests and never
// mutated after Mount returns.
type Volume struct {
	Root      string
	Driver    string
	MountedAt time.Time

	usage UsageFunc
}

// New creates a Volume. A nil usage func makes Usage return zero values.
func New(root, driver string, usage UsageFunc) *Volume {
	return &Volume{
		Root:      root,
		Driver:    driver,
		MountedAt: time.Now(),
		usage:     usage,
	}
}

// Usage reports capacity for the volume.
func (v *Volume) Usage(ctx context.Context) (Usage, error) {
	if v == nil || v.usage == nil {
		return Usage{}, nil
	}
	return v.usage(ctx)
}

// Mounter attaches and detaches a volume. Mount must complete before the
// file server starts.
type Mounter interface {
	Mount(ctx context.Context, path string) (*Volume, error)
	Unmount(ctx context.Context) error
}
