package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Liveness probe (no auth). Sync health lives in /api/status.
	r.Get("/healthz", s.handleHealthz)

	// The upgrade authenticates with a single-use ticket instead of the
	// bearer header; tokens must not appear in URLs.
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/ws-ticket", s.handleWSTicket)
		r.Get("/status", s.handleStatus)
		r.Post("/push/restart", s.handlePushRestart)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{device}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/state", s.handleSetDeviceState)
				r.Post("/refresh", s.handleRefreshDevice)
			})
		})

		r.Route("/zones", func(r chi.Router) {
			r.Get("/", s.handleListZones)
			r.Get("/{zone}/devices", s.handleListZoneDevices)
		})
	})

	return r
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
