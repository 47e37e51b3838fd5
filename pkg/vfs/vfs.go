// Package vfs exposes an afero filesystem to the WebDAV handler.
//
// SD-card FAT volumes allow only a handful of open files, so FS
// bounds concurrently open file handles. OpenFile waits for a free slot up
// to OpenTimeout and then fails with ErrTooManyOpenFiles. Read-only
// directory handles are not counted: a recursive COPY keeps every ancestor
// directory open while it copies the leaves.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/net/webdav"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/pkg/admission"
)

const (
	// DefaultMaxOpenFiles matches the open-file limit of a small FAT mount.
	DefaultMaxOpenFiles = 4

	// DefaultOpenTimeout bounds how long OpenFile waits for a handle slot.
	DefaultOpenTimeout = 30 * time.Second
)

// ErrTooManyOpenFiles is returned when no handle slot frees up in time.
var ErrTooManyOpenFiles = errors.New("too many open files")

// Options configures an FS.
type Options struct {
	MaxOpenFiles int
	OpenTimeout  time.Duration
}

// Stats is a point-in-time view of handle usage.
type Stats struct {
	OpenFiles    int64  `json:"open_files"`
	MaxOpenFiles int64  `json:"max_open_files"`
	Opened       uint64 `json:"opened"`
	Rejected     uint64 `json:"rejected"`
}

// FS implements webdav.FileSystem on top of an afero.Fs.
type FS struct {
	fs          afero.Fs
	slots       *admission.Controller
	openTimeout time.Duration

	opened   atomic.Uint64
	rejected atomic.Uint64
}

var _ webdav.FileSystem = (*FS)(nil)

// New wraps fs. Zero options select the defaults.
func New(fs afero.Fs, opts Options) (*FS, error) {
	if opts.MaxOpenFiles == 0 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}

	slots, err := admission.NewController(opts.MaxOpenFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid max open files: %w", err)
	}

	return &FS{
		fs:          fs,
		slots:       slots,
		openTimeout: opts.OpenTimeout,
	}, nil
}

// NewOS serves the host directory root.
func NewOS(root string, opts Options) (*FS, error) {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root), opts)
}

// Fs returns the underlying filesystem.
func (f *FS) Fs() afero.Fs {
	return f.fs
}

// Stats reports handle usage.
func (f *FS) Stats() Stats {
	return Stats{
		OpenFiles:    f.slots.InUse(),
		MaxOpenFiles: f.slots.Capacity(),
		Opened:       f.opened.Load(),
		Rejected:     f.rejected.Load(),
	}
}

// clean turns a request path into an absolute slash path.
func clean(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", os.ErrNotExist
	}
	return path.Clean("/" + name), nil
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	name, err := clean(name)
	if err != nil {
		return err
	}
	return f.fs.Mkdir(name, perm)
}

// OpenFile opens name once a handle slot is free. The slot is held until
// the returned file is closed. Directories opened read-only skip the slot.
func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	name, err := clean(name)
	if err != nil {
		return nil, err
	}

	if f.isDir(name, flag) {
		file, err := f.fs.OpenFile(name, flag, perm)
		if err != nil {
			return nil, err
		}
		f.opened.Add(1)
		return &handle{File: file, release: func() {}}, nil
	}

	ticket, err := f.acquire(ctx, name)
	if err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(name, flag, perm)
	if err != nil {
		ticket.Release()
		return nil, err
	}

	f.opened.Add(1)
	return &handle{File: file, release: ticket.Release}, nil
}

// isDir reports whether a read-only open of name targets a directory.
func (f *FS) isDir(name string, flag int) bool {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return false
	}
	info, err := f.fs.Stat(name)
	return err == nil && info.IsDir()
}

func (f *FS) acquire(ctx context.Context, name string) (*admission.Ticket, error) {
	if t, ok := f.slots.TryAcquire(); ok {
		return t, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.openTimeout)
	defer cancel()

	t, err := f.slots.Acquire(waitCtx)
	if err == nil {
		return t, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f.rejected.Add(1)
	logger.WarnCtx(ctx, "No free file handle",
		logger.KeyPath, name,
		logger.KeyCapacity, f.slots.Capacity())
	return nil, fmt.Errorf("%w: %s", ErrTooManyOpenFiles, name)
}

// RemoveAll removes name and any children. Removing the root is refused.
func (f *FS) RemoveAll(ctx context.Context, name string) error {
	name, err := clean(name)
	if err != nil {
		return err
	}
	if name == "/" {
		return os.ErrInvalid
	}
	return f.fs.RemoveAll(name)
}

// Rename moves oldName to newName. Neither may be the root.
func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	oldName, err := clean(oldName)
	if err != nil {
		return err
	}
	newName, err = clean(newName)
	if err != nil {
		return err
	}
	if oldName == "/" || newName == "/" {
		return os.ErrInvalid
	}
	return f.fs.Rename(oldName, newName)
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	name, err := clean(name)
	if err != nil {
		return nil, err
	}
	return f.fs.Stat(name)
}

// handle returns its slot on the first Close.
type handle struct {
	afero.File
	once    sync.Once
	release func()
}

func (h *handle) Close() error {
	err := h.File.Close()
	h.once.Do(h.release)
	return err
}
