package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitby/gatekeep-core/internal/auth"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
)

type issueSessionRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

type refreshSessionRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type invalidateSessionsRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// handleIssueSession creates a session for a principal at its current
// scope version. Primary credential verification happens upstream;
// this endpoint trusts the caller's claim of identity the way the
// login service hands it over.
func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req issueSessionRequest
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

	issued, err := s.auth.IssueSession(r.Context(), req.UserID, req.TenantID)
	if err != nil {
		s.logger.Error("issue session failed",
			"user_id", req.UserID, "tenant_id", req.TenantID, "error", err)
		writeInternalError(w, "failed to issue session")
		return
	}

	writeJSON(w, http.StatusCreated, issued)
}

// handleRefreshSession exchanges a refresh token for fresh
// credentials, re-pinning the session to the current scope version.
func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req refreshSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	// The token is the credential; the path ID must agree with it
	// before anything rotates.
	rec, err := s.registry.GetByRefreshHash(r.Context(), auth.HashToken(req.RefreshToken))
	if err != nil || rec.SessionID != id {
		writeUnauthorized(w, "unknown refresh token")
		return
	}

	issued, err := s.auth.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshExpired) {
			writeUnauthorized(w, "refresh token expired")
			return
		}
		if errors.Is(err, session.ErrRefreshTokenNotFound) {
			writeUnauthorized(w, "unknown refresh token")
			return
		}
		s.logger.Error("refresh session failed", "session_id", id, "error", err)
		writeInternalError(w, "failed to refresh session")
		return
	}

	writeJSON(w, http.StatusOK, issued)
}

// handleValidateSession reports whether a session is still consistent
// with its principal's current scope version.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFrom(r.Context())

	target, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeNotFound(w, "session not found")
			return
		}
		s.logger.Error("get session for validate failed", "session_id", id, "error", err)
		writeInternalError(w, "failed to validate session")
		return
	}

	// Principals may inspect their own sessions; anything else needs
	// the admin capability.
	if target.UserID != claims.Subject && !rbac.Allowed(claims.Capabilities, "scope.admin") {
		writeForbidden(w, "cannot validate another principal's session")
		return
	}

	validation, err := s.enforcer.Validate(r.Context(), id)
	if err != nil {
		s.logger.Warn("degraded validation", "session_id", id, "error", err)
	}
	s.metrics.RecordValidation(target.TenantID, string(validation.Status), err != nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":              id,
		"status":                  validation.Status,
		"reason":                  validation.Reason,
		"usable":                  validation.Usable(),
		"session_version":         validation.SessionVersion,
		"current_version":         validation.CurrentVersion,
		"grace_remaining_seconds": int64(validation.GraceRemaining.Seconds()),
	})
}

// handleRevokeSession revokes one session and tells its live
// connections so the client does not keep an authenticated socket.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFrom(r.Context())

	target, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeNotFound(w, "session not found")
			return
		}
		s.logger.Error("get session for revoke failed", "session_id", id, "error", err)
		writeInternalError(w, "failed to revoke session")
		return
	}

	if target.UserID != claims.Subject && !rbac.Allowed(claims.Capabilities, "scope.admin") {
		writeForbidden(w, "cannot revoke another principal's session")
		return
	}

	reason := "revoked_by_owner"
	if target.UserID != claims.Subject {
		reason = "revoked_by_admin"
	}
	if err := s.enforcer.InvalidateSession(r.Context(), id, reason); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeNotFound(w, "session not found")
			return
		}
		s.logger.Error("revoke session failed", "session_id", id, "error", err)
		writeInternalError(w, "failed to revoke session")
		return
	}

	s.logger.Info("session revoked",
		"session_id", id, "user_id", target.UserID, "revoked_by", claims.Subject)

	w.WriteHeader(http.StatusNoContent)
}

// handleListSessions returns the caller's live sessions in the tenant
// the token was issued for.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	records, err := s.registry.ListForPrincipal(r.Context(), claims.Subject, claims.TenantID)
	if err != nil {
		s.logger.Error("list sessions failed",
			"user_id", claims.Subject, "tenant_id", claims.TenantID, "error", err)
		writeInternalError(w, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": records,
		"count":    len(records),
	})
}

// handleInvalidateSessions force-revokes every session of a principal
// and pushes a session_invalidated message to its live connections.
func (s *Server) handleInvalidateSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req invalidateSessionsRequest
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
	if req.Reason == "" {
		req.Reason = "invalidated_by_admin"
	}

	n, err := s.enforcer.Invalidate(r.Context(), req.UserID, req.TenantID, req.Reason)
	if err != nil {
		s.logger.Error("invalidate sessions failed",
			"user_id", req.UserID, "tenant_id", req.TenantID, "error", err)
		writeInternalError(w, "failed to invalidate sessions")
		return
	}

	s.logger.Info("sessions invalidated via API",
		"user_id", req.UserID, "tenant_id", req.TenantID,
		"count", n, "invalidated_by", claims.Subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"revoked": n,
		"reason":  req.Reason,
	})
}
