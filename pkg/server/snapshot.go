package server

import (
	"fmt"
	"time"

	"github.com/marmos91/dittousb/pkg/adapter/usbip"
)

// DeviceStatus is one registered device with its binding state.
type DeviceStatus struct {
	BusID        string    `json:"busid"`
	Path         string    `json:"path"`
	DevID        uint32    `json:"devid"`
	VendorID     string    `json:"vendor_id"`
	ProductID    string    `json:"product_id"`
	Speed        string    `json:"speed"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Product      string    `json:"product,omitempty"`
	State        string    `json:"state"`
	SessionID    string    `json:"session_id,omitempty"`
	Since        time.Time `json:"since"`
}

// Snapshot is a point-in-time view of the server.
type Snapshot struct {
	Version     string              `json:"version"`
	Backend     string              `json:"backend"`
	Address     string              `json:"address,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Uptime      string              `json:"uptime"`
	Connections int32               `json:"connections"`
	Available   int                 `json:"available"`
	Exported    int                 `json:"exported"`
	Pending     int                 `json:"pending"`
	Devices     []DeviceStatus      `json:"devices"`
	Sessions    []usbip.SessionInfo `json:"sessions"`
}

// Snapshot reports devices with their binding state, active sessions and
// in-flight transfer counts. It never blocks on the network.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Version:     s.config.Version,
		Backend:     s.backend.Name(),
		Address:     s.boundAddr.Load().(string),
		StartedAt:   s.startedAt,
		Connections: s.adapter.ActiveConnections(),
		Pending:     s.dispatcher.Stats().Pending,
		Devices:     s.Devices(),
		Sessions:    s.adapter.Sessions(),
	}
	if !s.startedAt.IsZero() {
		snap.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	}
	if snap.Sessions == nil {
		snap.Sessions = []usbip.SessionInfo{}
	}
	for _, d := range snap.Devices {
		if d.SessionID != "" {
			snap.Exported++
		} else {
			snap.Available++
		}
	}
	return snap
}

// Devices lists the registered devices ordered by bus id.
func (s *Server) Devices() []DeviceStatus {
	entries := s.registry.List()
	out := make([]DeviceStatus, 0, len(entries))
	for _, e := range entries {
		d := e.Device
		out = append(out, DeviceStatus{
			BusID:        d.BusID,
			Path:         d.Path,
			DevID:        d.DevID(),
			VendorID:     fmt.Sprintf("%04x", d.VendorID),
			ProductID:    fmt.Sprintf("%04x", d.ProductID),
			Speed:        d.Speed.String(),
			Manufacturer: d.Manufacturer,
			Product:      d.Product,
			State:        e.State.String(),
			SessionID:    e.SessionID,
			Since:        e.Since,
		})
	}
	return out
}

// Sessions lists the active USB/IP sessions, oldest first.
func (s *Server) Sessions() []usbip.SessionInfo {
	return s.adapter.Sessions()
}
