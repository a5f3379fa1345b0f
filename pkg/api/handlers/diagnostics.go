package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/server"
)

// Source is the read-only view of the server the API exposes.
type Source interface {
	Snapshot() server.Snapshot
	Devices() []server.DeviceStatus
	Sessions() []usbip.SessionInfo
}

// DiagnosticsHandler serves the /api/v1 endpoints.
type DiagnosticsHandler struct {
	source Source
}

// NewDiagnosticsHandler creates a diagnostics handler.
func NewDiagnosticsHandler(source Source) *DiagnosticsHandler {
	return &DiagnosticsHandler{source: source}
}

// Status handles GET /api/v1/status.
func (h *DiagnosticsHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(h.source.Snapshot()))
}

// Devices handles GET /api/v1/devices. The optional state query parameter
// filters on "available" or "exported".
func (h *DiagnosticsHandler) Devices(w http.ResponseWriter, r *http.Request) {
	devices := h.source.Devices()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]server.DeviceStatus, 0, len(devices))
		for _, d := range devices {
			if d.State == state {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	writeJSON(w, http.StatusOK, okResponse(devices))
}

// Device handles GET /api/v1/devices/{busid}.
func (h *DiagnosticsHandler) Device(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "busid")
	for _, d := range h.source.Devices() {
		if d.BusID == busID {
			writeJSON(w, http.StatusOK, okResponse(d))
			return
		}
	}
	NotFound(w, "no device with bus id "+busID)
}

// Sessions handles GET /api/v1/sessions.
func (h *DiagnosticsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.source.Sessions()
	if sessions == nil {
		sessions = []usbip.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, okResponse(sessions))
}
