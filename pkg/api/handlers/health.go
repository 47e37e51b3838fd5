package handlers

import (
	"net/http"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: is the process serving HTTP?
//   - Readiness probe: is the wireless uplink associated?
type HealthHandler struct {
	provider StatusProvider
}

// NewHealthHandler creates a new health handler.
//
// The provider may be nil, in which case readiness reports unhealthy.
func NewHealthHandler(provider StatusProvider) *HealthHandler {
	return &HealthHandler{provider: provider}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK as long as the API server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "edgedav",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK once the connectivity supervisor is Associated and 503
// Service Unavailable otherwise. The file endpoint keeps accepting while the
// link is down, so readiness only reflects the uplink.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("node not initialized"))
		return
	}

	snap := h.provider.Connectivity()
	data := map[string]any{
		"state":    snap.State,
		"failures": snap.Failures,
	}
	if snap.Address != "" {
		data["address"] = snap.Address
	}

	if !h.provider.Ready() {
		writeJSON(w, http.StatusServiceUnavailable,
			unhealthyResponseWithData("uplink not associated", data))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(data))
}
