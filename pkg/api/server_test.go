package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/pkg/adapter/usbip"
	"github.com/marmos91/dittousb/pkg/server"
)

type staticSource struct {
	snap server.Snapshot
}

func (s staticSource) Snapshot() server.Snapshot      { return s.snap }
func (s staticSource) Devices() []server.DeviceStatus { return s.snap.Devices }
func (s staticSource) Sessions() []usbip.SessionInfo  { return s.snap.Sessions }

func testSource() staticSource {
	return staticSource{snap: server.Snapshot{
		Version: "test",
		Address: "127.0.0.1:3240",
		Devices: []server.DeviceStatus{{BusID: "1-2", State: "available"}},
	}}
}

func TestRouterRoutes(t *testing.T) {
	ts := httptest.NewServer(NewRouter(testSource()))
	defer ts.Close()

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{method: http.MethodGet, path: "/health", code: http.StatusOK},
		{method: http.MethodGet, path: "/health/ready", code: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/status", code: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/devices", code: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/devices/1-2", code: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/devices/4-4", code: http.StatusNotFound},
		{method: http.MethodGet, path: "/api/v1/sessions", code: http.StatusOK},
		{method: http.MethodGet, path: "/api/v2/status", code: http.StatusNotFound},
		{method: http.MethodPost, path: "/api/v1/status", code: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestRootRedirectsToHealth(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/health", w.Header().Get("Location"))
}

func TestRouterWithoutSource(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigDefaults(t *testing.T) {
	var cfg APIConfig
	assert.True(t, cfg.IsEnabled())

	cfg.ApplyDefaults()
	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)

	disabled := false
	cfg.Enabled = &disabled
	assert.False(t, cfg.IsEnabled())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(APIConfig{Port: freePort(t)}, testSource())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	require.NoError(t, err)
	var body struct {
		Status string          `json:"status"`
		Data   server.Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Data.Version)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	srv := NewServer(APIConfig{Port: ln.Addr().(*net.TCPAddr).Port}, nil)
	assert.Error(t, srv.Start(context.Background()))
}
