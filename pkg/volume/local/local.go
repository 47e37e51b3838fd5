// Package local mounts a directory on the host filesystem as the volume.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/volume"
)

const driverName = "local"

// Options configures the local mounter.
type Options struct {
	// CreateIfMissing creates the root directory (and parents) if absent.
	CreateIfMissing bool

	// DirMode is the mode for created directories. Defaults to 0o755.
	DirMode fs.FileMode
}

// Mounter mounts a host directory.
type Mounter struct {
	opts Options

	mu      sync.Mutex
	mounted *volume.Volume
}

var _ volume.Mounter = (*Mounter)(nil)

// New creates a local mounter.
func New(opts Options) *Mounter {
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}
	return &Mounter{opts: opts}
}

// Mount verifies path is a writable directory and returns it as a volume.
func (m *Mounter) Mount(ctx context.Context, path string) (*volume.Volume, error) {
	ctx, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanVolumeMount, path)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted != nil {
		return nil, fmt.Errorf("%w: %w at %s", volume.ErrMountFailed, volume.ErrAlreadyMounted, m.mounted.Root)
	}

	root, err := m.prepare(path)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: %w", volume.ErrMountFailed, err)
	}

	v := volume.New(root, driverName, func(ctx context.Context) (volume.Usage, error) {
		return usage(ctx, root)
	})
	m.mounted = v

	if u, err := v.Usage(ctx); err == nil {
		logger.Info("Volume mounted",
			logger.KeyVolume, root,
			logger.KeyTotalBytes, u.Total,
			logger.KeyFreeBytes, u.Free)
	} else {
		logger.Info("Volume mounted", logger.KeyVolume, root)
		logger.Debug("Volume usage unavailable", logger.KeyVolume, root, logger.KeyError, err)
	}
	return v, nil
}

func (m *Mounter) prepare(path string) (string, error) {
	if path == "" {
		return "", errors.New("volume path is empty")
	}

	root, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", path, err)
	}

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist) && m.opts.CreateIfMissing:
		if err := os.MkdirAll(root, m.opts.DirMode); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", root, err)
		}
		logger.Info("Created volume directory", logger.KeyVolume, root)
	case err != nil:
		return "", fmt.Errorf("failed to stat %s: %w", root, err)
	case !info.IsDir():
		return "", fmt.Errorf("%s is not a directory", root)
	}

	if err := probeWritable(root); err != nil {
		return "", err
	}
	return root, nil
}

// probeWritable creates and removes a temp file in root.
func probeWritable(root string) error {
	f, err := os.CreateTemp(root, ".edgedav-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", volume.ErrNotWritable, root, err)
	}
	name := f.Name()

	_, werr := f.Write([]byte{0})
	cerr := f.Close()
	rerr := os.Remove(name)

	if err := errors.Join(werr, cerr, rerr); err != nil {
		return fmt.Errorf("%w: %s: %w", volume.ErrNotWritable, root, err)
	}
	return nil
}

func usage(ctx context.Context, root string) (volume.Usage, error) {
	stat, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return volume.Usage{}, fmt.Errorf("failed to read usage of %s: %w", root, err)
	}
	return volume.Usage{
		Total:       stat.Total,
		Free:        stat.Free,
		Used:        stat.Used,
		UsedPercent: stat.UsedPercent,
		Fstype:      stat.Fstype,
	}, nil
}

// Unmount detaches the volume. The directory is left in place.
func (m *Mounter) Unmount(ctx context.Context) error {
	_, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanVolumeUnmount, m.root())
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted == nil {
		return volume.ErrNotMounted
	}
	logger.Info("Volume unmounted", logger.KeyVolume, m.mounted.Root)
	m.mounted = nil
	return nil
}

// Mounted returns the mounted volume, or nil.
func (m *Mounter) Mounted() *volume.Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

func (m *Mounter) root() string {
	if v := m.Mounted(); v != nil {
		return v.Root
	}
	return ""
}
