package handlers

import (
	"net/http"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	source Source
}

// NewHealthHandler creates a health handler. source may be nil, in which
// case the readiness probe reports unhealthy.
func NewHealthHandler(source Source) *HealthHandler {
	return &HealthHandler{source: source}
}

// Liveness handles GET /health. It succeeds whenever the HTTP server
// answers.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "dittousb",
	}))
}

// Readiness handles GET /health/ready. The server is ready once the USB/IP
// listener is bound.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("server not initialized"))
		return
	}

	snap := h.source.Snapshot()
	if snap.Address == "" {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("USB/IP listener not bound"))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"address":   snap.Address,
		"backend":   snap.Backend,
		"devices":   len(snap.Devices),
		"exported":  snap.Exported,
		"available": snap.Available,
	}))
}
