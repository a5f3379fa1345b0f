package apiclient

import (
	"context"
	"net/url"
	"time"
)

// Device is one registered device.
type Device struct {
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

// Session is one active USB/IP session.
type Session struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	Phase      string    `json:"phase"`
	BusID      string    `json:"busid,omitempty"`
	Since      time.Time `json:"since"`
	Pending    int       `json:"pending"`
}

// Status is the server snapshot returned by /api/v1/status.
type Status struct {
	Version     string    `json:"version"`
	Backend     string    `json:"backend"`
	Address     string    `json:"address,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	Connections int32     `json:"connections"`
	Available   int       `json:"available"`
	Exported    int       `json:"exported"`
	Pending     int       `json:"pending"`
	Devices     []Device  `json:"devices"`
	Sessions    []Session `json:"sessions"`
}

// Health is the payload of the probes.
type Health map[string]any

// Status fetches the server snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Devices lists registered devices. state, when not empty, filters on
// "available" or "exported".
func (c *Client) Devices(ctx context.Context, state string) ([]Device, error) {
	path := "/api/v1/devices"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var devices []Device
	if err := c.get(ctx, path, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Device fetches one device by bus id.
func (c *Client) Device(ctx context.Context, busID string) (*Device, error) {
	var d Device
	if err := c.get(ctx, "/api/v1/devices/"+url.PathEscape(busID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Sessions lists active sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.get(ctx, "/api/v1/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Ready queries the readiness probe. A server that is up but not yet
// listening returns an *APIError for which IsUnavailable is true.
func (c *Client) Ready(ctx context.Context) (Health, error) {
	var h Health
	if err := c.get(ctx, "/health/ready", &h); err != nil {
		return nil, err
	}
	return h, nil
}
