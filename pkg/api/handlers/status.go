package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/edgedav/internal/sysinfo"
	"github.com/marmos91/edgedav/pkg/adapter/webdav"
	"github.com/marmos91/edgedav/pkg/connectivity"
	"github.com/marmos91/edgedav/pkg/vfs"
	"github.com/marmos91/edgedav/pkg/volume"
)

// statusTimeout bounds how long a provider may spend sampling.
const statusTimeout = 5 * time.Second

// StatusProvider is implemented by the running node.
type StatusProvider interface {
	// Ready reports whether the uplink is associated.
	Ready() bool

	// Connectivity returns the supervisor snapshot.
	Connectivity() connectivity.Snapshot

	// Status gathers a point-in-time report. Sections the node has not
	// created yet are nil.
	Status(ctx context.Context) Status
}

// Status is the payload of GET /status.
type Status struct {
	Service      string                `json:"service"`
	Version      string                `json:"version,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	Uptime       string                `json:"uptime"`
	Ready        bool                  `json:"ready"`
	Connectivity connectivity.Snapshot `json:"connectivity"`
	Server       *webdav.Stats         `json:"server,omitempty"`
	Files        *vfs.Stats            `json:"files,omitempty"`
	Volume       *VolumeStatus         `json:"volume,omitempty"`
	Memory       *sysinfo.Sample       `json:"memory,omitempty"`
}

// VolumeStatus describes the mounted volume.
type VolumeStatus struct {
	Root       string        `json:"root"`
	Driver     string        `json:"driver"`
	MountedAt  time.Time     `json:"mounted_at"`
	Usage      *volume.Usage `json:"usage,omitempty"`
	UsageError string        `json:"usage_error,omitempty"`
}

// StatusHandler serves GET /status.
type StatusHandler struct {
	provider StatusProvider
}

// NewStatusHandler creates a status handler. provider may be nil, in which
// case the endpoint reports 503.
func NewStatusHandler(provider StatusProvider) *StatusHandler {
	return &StatusHandler{provider: provider}
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("node not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	status := h.provider.Status(ctx)
	if !status.StartedAt.IsZero() && status.Uptime == "" {
		status.Uptime = time.Since(status.StartedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, okResponse(status))
}
