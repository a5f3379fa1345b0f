package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/api"
	"github.com/marmos91/dittousb/pkg/server"
)

type source struct {
	snap server.Snapshot
}

func (s *source) Snapshot() server.Snapshot      { return s.snap }
func (s *source) Devices() []server.DeviceStatus { return s.snap.Devices }
func (s *source) Sessions() []usbip.SessionInfo  { return s.snap.Sessions }

func newTestAPI(t *testing.T, snap server.Snapshot) *Client {
	t.Helper()
	ts := httptest.NewServer(api.NewRouter(&source{snap: snap}))
	t.Cleanup(ts.Close)
	return New(ts.URL + "/")
}

func sampleSnapshot() server.Snapshot {
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return server.Snapshot{
		Version:     "1.0.0",
		Backend:     "memory",
		Address:     "127.0.0.1:3240",
		StartedAt:   since,
		Uptime:      "1h0m0s",
		Connections: 1,
		Available:   1,
		Exported:    1,
		Pending:     3,
		Devices: []server.DeviceStatus{
			{BusID: "1-2", DevID: 1<<16 | 2, VendorID: "1209", ProductID: "0001", Speed: "high", State: "available", Since: since},
			{BusID: "1-3", DevID: 1<<16 | 3, VendorID: "1209", ProductID: "0002", Speed: "high", State: "exported", SessionID: "s1", Since: since},
		},
		Sessions: []usbip.SessionInfo{
			{ID: "s1", ClientAddr: "10.0.0.2:50000", Phase: "attached", BusID: "1-3", Since: since, Pending: 3},
		},
	}
}

func TestNewTrimsSlash(t *testing.T) {
	assert.Equal(t, "http://localhost:8240", New("http://localhost:8240/").BaseURL())
}

func TestStatus(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, "127.0.0.1:3240", st.Address)
	assert.Equal(t, int32(1), st.Connections)
	assert.Equal(t, 3, st.Pending)
	require.Len(t, st.Devices, 2)
	assert.Equal(t, uint32(1<<16|3), st.Devices[1].DevID)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "attached", st.Sessions[0].Phase)
}

func TestDevices(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())

	all, err := c.Devices(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	exported, err := c.Devices(context.Background(), "exported")
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, "1-3", exported[0].BusID)
	assert.Equal(t, "s1", exported[0].SessionID)
}

func TestDeviceNotFound(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())

	d, err := c.Device(context.Background(), "1-2")
	require.NoError(t, err)
	assert.Equal(t, "available", d.State)

	_, err = c.Device(context.Background(), "7-7")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
	assert.Contains(t, apiErr.Message, "7-7")
}

func TestSessions(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.2:50000", sessions[0].ClientAddr)
}

func TestReady(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())
	h, err := c.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3240", h["address"])

	c = newTestAPI(t, server.Snapshot{})
	_, err = c.Ready(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnavailable())
	assert.Equal(t, "USB/IP listener not bound", apiErr.Message)
}

func TestPlainTextError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestInvalidJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestContextCancelled(t *testing.T) {
	c := newTestAPI(t, sampleSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Status(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
