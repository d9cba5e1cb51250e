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
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Health check (no auth required)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Token exchange (no auth required)
		r.Post("/auth/token", s.handleToken)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleAddDevice)

				r.Route("/{addr}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Put("/", s.handleUpdateDevice)
					r.Put("/temperature", s.handleSetTemperature)
					r.Post("/wakeup", s.handleWakeup)
					r.Get("/history", s.handleDeviceHistory)
				})
			})

			// Room-broadcast setpoints
			r.Put("/rooms/{room}/temperature", s.handleSetRoomTemperature)

			// Pairing window
			r.Route("/pairing", func(r chi.Router) {
				r.Get("/", s.handleGetPairing)
				r.Post("/", s.handleEnablePairing)
			})

			// Audit trail
			r.Get("/audit", s.handleListAudit)

			// System status
			r.Get("/system/status", s.handleSystemStatus)

			// WebSocket (auth via token query parameter, validated in handler)
			r.Get("/events/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
