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

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Session issuance and refresh (no bearer auth; the refresh token
		// is the credential, issuance trusts the upstream login service)
		r.Post("/sessions", s.handleIssueSession)
		r.Post("/sessions/{id}/refresh", s.handleRefreshSession)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}/validate", s.handleValidateSession)
			r.Delete("/sessions/{id}", s.handleRevokeSession)

			r.Get("/scope", s.handleGetScope)
			r.Get("/events", s.handleListEvents)

			// WebSocket push channel (auth via bearer token like any route)
			r.Get("/ws", s.handleWebSocket)

			// Administration, gated on the scope.admin capability
			r.Group(func(r chi.Router) {
				r.Use(s.requireCapability("scope.admin"))

				r.Post("/internal/scope/recompute", s.handleRecompute)
				r.Post("/internal/sessions/invalidate", s.handleInvalidateSessions)
				r.Get("/internal/audit", s.handleListAudit)

				r.Route("/memberships", func(r chi.Router) {
					r.Get("/", s.handleListMemberships)
					r.Put("/", s.handleUpsertMembership)
					r.Delete("/", s.handleDeleteMembership)
					r.Post("/suspend", s.handleSuspendMembership)
					r.Post("/restore", s.handleRestoreMembership)
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
	})
}
