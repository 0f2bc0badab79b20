package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// defaultEventPageSize bounds event listings when the client does not
// ask for a size.
const (
	defaultEventPageSize = 50
	maxEventPageSize     = 200
)

type recomputeRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// handleGetScope returns the current effective scope of a principal.
// Without query parameters it describes the caller; inspecting another
// principal needs the admin capability.
func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	userID := r.URL.Query().Get("user_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if userID == "" {
		userID = claims.Subject
	}
	if tenantID == "" {
		tenantID = claims.TenantID
	}

	if userID != claims.Subject && !rbac.Allowed(claims.Capabilities, "scope.admin") {
		writeForbidden(w, "cannot inspect another principal's scope")
		return
	}

	version, err := s.scopes.Current(r.Context(), userID, tenantID)
	if err != nil {
		s.logger.Error("get scope failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to resolve scope")
		return
	}

	writeJSON(w, http.StatusOK, version)
}

// handleListEvents returns recent scope change events for a principal,
// newest first, optionally filtered by change type.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q := r.URL.Query()

	userID := q.Get("user_id")
	tenantID := q.Get("tenant_id")
	if userID == "" {
		userID = claims.Subject
	}
	if tenantID == "" {
		tenantID = claims.TenantID
	}

	if userID != claims.Subject && !rbac.Allowed(claims.Capabilities, "scope.admin") {
		writeForbidden(w, "cannot inspect another principal's events")
		return
	}

	limit := defaultEventPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventPageSize)
	}

	events, err := s.events.ListForPrincipal(r.Context(), userID, tenantID, limit)
	if err != nil {
		s.logger.Error("list events failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to list events")
		return
	}

	if changeType := q.Get("type"); changeType != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.ChangeType) == changeType {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleRecompute forces a scope recomputation for one principal. This
// is the trigger upstream admin tooling calls after mutating roles or
// capabilities outside the membership endpoints.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	if req.TenantID == "" {
		req.TenantID = scope.GlobalTenant
	}

	start := time.Now()
	version, event, err := s.scopes.Recompute(r.Context(), req.UserID, req.TenantID)
	if err != nil {
		if errors.Is(err, scope.ErrVersionConflict) {
			s.metrics.RecordRecompute(req.TenantID, time.Since(start), false, true)
			writeConflict(w, "concurrent recomputation, retry")
			return
		}
		s.logger.Error("recompute failed",
			"user_id", req.UserID, "tenant_id", req.TenantID, "error", err)
		writeInternalError(w, "failed to recompute scope")
		return
	}
	s.metrics.RecordRecompute(req.TenantID, time.Since(start), event != nil, false)

	s.logger.Info("scope recomputed via API",
		"user_id", req.UserID, "tenant_id", req.TenantID,
		"version", version.Version, "advanced", event != nil,
		"triggered_by", claims.Subject, "reason", req.Reason)

	writeJSON(w, http.StatusOK, map[string]any{
		"version":  version,
		"advanced": event != nil,
		"event":    event,
	})
}
