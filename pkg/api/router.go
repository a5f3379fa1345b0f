package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/pkg/api/handlers"
)

// NewRouter builds the diagnostics API.
//
// Routes:
//   - GET /health - liveness probe
//   - GET /health/ready - readiness probe
//   - GET /api/v1/status - server snapshot
//   - GET /api/v1/devices - registered devices, optionally ?state=
//   - GET /api/v1/devices/{busid} - one device
//   - GET /api/v1/sessions - active USB/IP sessions
func NewRouter(source handlers.Source) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.NotFound(w, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.MethodNotAllowed(w, r.Method+" is not supported on "+r.URL.Path)
	})

	health := handlers.NewHealthHandler(source)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", health.Liveness)
		r.Get("/ready", health.Readiness)
	})

	if source != nil {
		diag := handlers.NewDiagnosticsHandler(source)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", diag.Status)
			r.Get("/devices", diag.Devices)
			r.Get("/devices/{busid}", diag.Device)
			r.Get("/sessions", diag.Sessions)
		})
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs each request at DEBUG on arrival and at INFO on
// completion.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
