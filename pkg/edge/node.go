// Package edge runs an edgedav node: it mounts the volume, brings the
// wireless uplink up and then serves WebDAV while keeping the uplink alive.
package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/sysinfo"
	"github.com/marmos91/edgedav/pkg/adapter/webdav"
	"github.com/marmos91/edgedav/pkg/api"
	"github.com/marmos91/edgedav/pkg/connectivity"
	"github.com/marmos91/edgedav/pkg/metrics"
	"github.com/marmos91/edgedav/pkg/observer"
	"github.com/marmos91/edgedav/pkg/vfs"
	"github.com/marmos91/edgedav/pkg/volume"
)

// unmountTimeout bounds Unmount on the way out.
const unmountTimeout = 10 * time.Second

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("node already running")

// Config holds everything a node needs that is not a live dependency.
type Config struct {
	// VolumePath is passed to Mounter.Mount.
	VolumePath string

	Files        vfs.Options
	WebDAV       webdav.Config
	Connectivity connectivity.Config

	// API configures the status API. A disabled API starts no listener.
	API api.APIConfig

	// ShutdownTimeout overrides WebDAV.Timeouts.Shutdown when set.
	ShutdownTimeout time.Duration

	// MemoryProbe logs memory readings as requests are admitted.
	MemoryProbe bool

	// LogRequests logs every request at debug level.
	LogRequests bool

	// Version is reported by the status API.
	Version string
}

// Deps are the node's collaborators. Driver, Credentials and Mounter are
// required; the rest may be nil.
type Deps struct {
	Driver      connectivity.Driver
	Credentials *connectivity.Credentials
	Mounter     volume.Mounter

	WebDAVMetrics       metrics.WebDAVMetrics
	ConnectivityMetrics metrics.ConnectivityMetrics

	// Observers are added to the ones the node builds from Config.
	Observers []observer.Observer
}

// Node wires the components together. It implements api.StatusProvider.
type Node struct {
	cfg        Config
	deps       Deps
	supervisor *connectivity.Supervisor
	probe      *observer.MemoryProbe
	startedAt  time.Time
	running    atomic.Bool

	mu        sync.RWMutex
	vol       *volume.Volume
	files     *vfs.FS
	server    *webdav.Adapter
	apiServer *api.Server
}

var _ api.StatusProvider = (*Node)(nil)

// New validates the dependencies and builds the connectivity supervisor.
func New(cfg Config, deps Deps) (*Node, error) {
	if deps.Mounter == nil {
		return nil, errors.New("edge: volume mounter is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("edge: wireless credentials are required")
	}

	if cfg.ShutdownTimeout > 0 {
		cfg.WebDAV.Timeouts.Shutdown = cfg.ShutdownTimeout
	}

	n := &Node{cfg: cfg, deps: deps, startedAt: time.Now()}
	if cfg.MemoryProbe {
		n.probe = observer.NewMemoryProbe(observer.DefaultProbeInterval)
	}

	sup, err := connectivity.NewSupervisor(deps.Driver, deps.Credentials, n.connectivityConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create connectivity supervisor: %w", err)
	}
	n.supervisor = sup

	if m := deps.ConnectivityMetrics; m != nil {
		m.SetState(connectivity.Idle.String())
	}
	return n, nil
}

// connectivityConfig chains the metrics hooks in front of any caller hooks.
func (n *Node) connectivityConfig() connectivity.Config {
	cfg := n.cfg.Connectivity
	m := n.deps.ConnectivityMetrics

	onTransition := cfg.OnTransition
	cfg.OnTransition = func(from, to connectivity.State) {
		if m != nil {
			m.RecordTransition(from.String(), to.String())
			m.SetState(to.String())
			if to == connectivity.Associated {
				m.SetConsecutiveFailures(0)
			}
		}
		if onTransition != nil {
			onTransition(from, to)
		}
	}

	onFailure := cfg.OnFailure
	cfg.OnFailure = func(err *connectivity.AttemptError) {
		if m != nil {
			m.RecordFailure(string(err.Phase))
			m.SetConsecutiveFailures(err.Attempt)
		}
		if onFailure != nil {
			onFailure(err)
		}
	}

	return cfg
}

// Supervisor returns the connectivity supervisor.
func (n *Node) Supervisor() *connectivity.Supervisor {
	return n.supervisor
}

// Server returns the WebDAV adapter once Run has created it.
func (n *Node) Server() *webdav.Adapter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.server
}

// APIServer returns the status API server once Run has created it, or nil
// when the API is disabled.
func (n *Node) APIServer() *api.Server {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.apiServer
}

// Run brings the node up and serves until ctx is cancelled.
//
// Order:
//  1. Mount the volume.
//  2. Configure, start and connect the uplink. InitialConnect gives up after
//     MaxInitialAttempts consecutive failures.
//  3. Serve WebDAV, keep the uplink alive and serve the status API
//     concurrently. The first failure stops the others.
//  4. Unmount the volume.
//
// Any error before step 3 is fatal and returned. Run returns nil when ctx is
// cancelled and every component shut down cleanly.
func (n *Node) Run(ctx context.Context) (err error) {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	vol, err := n.deps.Mounter.Mount(ctx, n.cfg.VolumePath)
	if err != nil {
		return fmt.Errorf("failed to mount volume: %w", err)
	}
	defer func() {
		if uerr := n.unmount(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()

	files, err := vfs.NewOS(vol.Root, n.cfg.Files)
	if err != nil {
		return fmt.Errorf("failed to open volume filesystem: %w", err)
	}

	server, err := webdav.New(n.cfg.WebDAV, files, n.deps.WebDAVMetrics, n.observer())
	if err != nil {
		return fmt.Errorf("failed to create WebDAV server: %w", err)
	}

	var apiServer *api.Server
	if n.cfg.API.IsEnabled() {
		apiServer = api.NewServer(n.cfg.API, n)
	}

	n.mu.Lock()
	n.vol, n.files, n.server, n.apiServer = vol, files, server, apiServer
	n.mu.Unlock()

	if err := n.bringUp(ctx); err != nil {
		return err
	}

	logger.Info("Node is up",
		logger.KeyVolume, vol.Root,
		logger.KeyPort, server.Port(),
		logger.KeyCapacity, n.cfg.WebDAV.MaxConcurrentRequests)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(gctx); err != nil {
			return fmt.Errorf("WebDAV server failed: %w", err)
		}
		if gctx.Err() == nil {
			return errors.New("WebDAV server stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		if err := n.supervisor.StayConnected(gctx); err != nil {
			return fmt.Errorf("connectivity supervisor failed: %w", err)
		}
		return nil
	})

	if apiServer != nil {
		g.Go(func() error {
			return apiServer.Start(gctx)
		})
	}

	return g.Wait()
}

// bringUp runs the fatal part of connectivity bring-up.
func (n *Node) bringUp(ctx context.Context) error {
	if err := n.supervisor.Configure(ctx); err != nil {
		return err
	}
	if err := n.supervisor.BringUp(ctx); err != nil {
		return err
	}
	return n.supervisor.InitialConnect(ctx)
}

// unmount detaches the volume with a context that outlives ctx.
func (n *Node) unmount(ctx context.Context) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unmountTimeout)
	defer cancel()

	if err := n.deps.Mounter.Unmount(uctx); err != nil {
		logger.Error("Volume unmount failed", logger.KeyError, err)
		return fmt.Errorf("failed to unmount volume: %w", err)
	}
	return nil
}

// observer assembles the request observers.
func (n *Node) observer() observer.Observer {
	obs := make([]observer.Observer, 0, 3+len(n.deps.Observers))
	if n.deps.WebDAVMetrics != nil {
		obs = append(obs, observer.NewMetrics(n.deps.WebDAVMetrics))
	}
	if n.cfg.LogRequests {
		obs = append(obs, observer.NewLogging())
	}
	if n.probe != nil {
		obs = append(obs, n.probe)
	}
	obs = append(obs, n.deps.Observers...)
	return observer.Multi(obs...)
}

// ============================================================================
// api.StatusProvider
// ============================================================================

// Ready reports whether the uplink is associated.
func (n *Node) Ready() bool {
	return n.supervisor.Associated()
}

// Connectivity returns the supervisor snapshot.
func (n *Node) Connectivity() connectivity.Snapshot {
	return n.supervisor.Snapshot()
}

// Status gathers the status report.
func (n *Node) Status(ctx context.Context) api.Status {
	n.mu.RLock()
	vol, files, server := n.vol, n.files, n.server
	n.mu.RUnlock()

	status := api.Status{
		Service:      "edgedav",
		Version:      n.cfg.Version,
		StartedAt:    n.startedAt,
		Uptime:       time.Since(n.startedAt).Round(time.Second).String(),
		Ready:        n.Ready(),
		Connectivity: n.supervisor.Snapshot(),
	}

	if server != nil {
		stats := server.Stats()
		status.Server = &stats
	}
	if files != nil {
		stats := files.Stats()
		status.Files = &stats
	}
	if vol != nil {
		vs := &api.VolumeStatus{Root: vol.Root, Driver: vol.Driver, MountedAt: vol.MountedAt}
		if usage, err := vol.Usage(ctx); err != nil {
			vs.UsageError = err.Error()
		} else {
			vs.Usage = &usage
		}
		status.Volume = vs
	}

	status.Memory = n.memory(ctx)

	return status
}

// memory prefers the probe's latest sample over a fresh host query.
func (n *Node) memory(ctx context.Context) *sysinfo.Sample {
	if n.probe != nil {
		if sample, ok := n.probe.Last(); ok {
			return &sample
		}
	}

	sample, err := sysinfo.Read(ctx)
	if err != nil {
		logger.Debug("Partial memory reading", logger.KeyError, err)
	}
	return &sample
}
