package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

type membershipRequest struct {
	UserID       string   `json:"user_id"`
	TenantID     string   `json:"tenant_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

type principalRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// handleListMemberships returns every tenant membership of one user.
func (s *Server) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeBadRequest(w, "user_id query parameter is required")
		return
	}

	memberships, err := s.memberships.ListForUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list memberships failed", "user_id", userID, "error", err)
		writeInternalError(w, "failed to list memberships")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"memberships": memberships,
		"count":       len(memberships),
	})
}

// handleUpsertMembership creates or replaces a membership, then
// recomputes the principal's scope so the change takes effect
// immediately.
func (s *Server) handleUpsertMembership(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Role == "" {
		writeBadRequest(w, "user_id and role are required")
		return
	}
	if req.TenantID == "" {
		req.TenantID = scope.GlobalTenant
	}

	m := &scope.Membership{
		UserID:       req.UserID,
		TenantID:     req.TenantID,
		Role:         req.Role,
		Capabilities: req.Capabilities,
		IsActive:     true,
	}
	if err := s.memberships.Upsert(r.Context(), m); err != nil {
		if errors.Is(err, rbac.ErrUnknownRole) || errors.Is(err, rbac.ErrInvalidCapability) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("upsert membership failed",
			"user_id", req.UserID, "tenant_id", req.TenantID, "error", err)
		writeInternalError(w, "failed to save membership")
		return
	}

	version := s.recomputeAfterMutation(r, req.UserID, req.TenantID)

	s.logger.Info("membership saved",
		"user_id", req.UserID, "tenant_id", req.TenantID, "role", req.Role,
		"updated_by", claims.Subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"membership": m,
		"version":    version,
	})
}

// handleDeleteMembership removes a membership and recomputes the
// principal's scope.
func (s *Server) handleDeleteMembership(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	userID := r.URL.Query().Get("user_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if userID == "" {
		writeBadRequest(w, "user_id query parameter is required")
		return
	}
	if tenantID == "" {
		tenantID = scope.GlobalTenant
	}

	if err := s.memberships.Delete(r.Context(), userID, tenantID); err != nil {
		if errors.Is(err, scope.ErrMembershipNotFound) {
			writeNotFound(w, "membership not found")
			return
		}
		s.logger.Error("delete membership failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to delete membership")
		return
	}

	s.recomputeAfterMutation(r, userID, tenantID)

	s.logger.Info("membership deleted",
		"user_id", userID, "tenant_id", tenantID, "deleted_by", claims.Subject)

	w.WriteHeader(http.StatusNoContent)
}

// handleSuspendMembership deactivates a membership without deleting
// it; the principal's scope drops its contribution immediately.
func (s *Server) handleSuspendMembership(w http.ResponseWriter, r *http.Request) {
	s.setMembershipActive(w, r, false)
}

// handleRestoreMembership reactivates a suspended membership.
func (s *Server) handleRestoreMembership(w http.ResponseWriter, r *http.Request) {
	s.setMembershipActive(w, r, true)
}

func (s *Server) setMembershipActive(w http.ResponseWriter, r *http.Request, active bool) {
	claims := claimsFrom(r.Context())

	var req principalRequest
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

	var err error
	if active {
		err = s.memberships.Activate(r.Context(), req.UserID, req.TenantID)
	} else {
		err = s.memberships.Deactivate(r.Context(), req.UserID, req.TenantID)
	}
	if err != nil {
		if errors.Is(err, scope.ErrMembershipNotFound) {
			writeNotFound(w, "membership not found")
			return
		}
		s.logger.Error("toggle membership failed",
			"user_id", req.UserID, "tenant_id", req.TenantID, "active", active, "error", err)
		writeInternalError(w, "failed to update membership")
		return
	}

	version := s.recomputeAfterMutation(r, req.UserID, req.TenantID)

	s.logger.Info("membership toggled",
		"user_id", req.UserID, "tenant_id", req.TenantID, "active", active,
		"updated_by", claims.Subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   req.UserID,
		"tenant_id": req.TenantID,
		"is_active": active,
		"version":   version,
	})
}

// recomputeAfterMutation bumps the principal's scope version after a
// membership change. Failures here are logged, not surfaced: the
// mutation itself committed and the reconciler will catch up.
//
// Global grants merge into every tenant-scoped scope, so a mutation in
// the global tenant also recomputes each tenant the user belongs to;
// otherwise those sessions would stay OK until the reconciler sweep.
func (s *Server) recomputeAfterMutation(r *http.Request, userID, tenantID string) *scope.Version {
	version, _, err := s.scopes.Recompute(r.Context(), userID, tenantID)
	if err != nil {
		s.logger.Warn("recompute after membership change failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
		return nil
	}

	if tenantID == scope.GlobalTenant {
		memberships, err := s.memberships.ListForUser(r.Context(), userID)
		if err != nil {
			s.logger.Warn("listing memberships after global change failed",
				"user_id", userID, "error", err)
			return version
		}
		for _, m := range memberships {
			if m.TenantID == scope.GlobalTenant {
				continue
			}
			if _, _, err := s.scopes.Recompute(r.Context(), m.UserID, m.TenantID); err != nil {
				s.logger.Warn("recompute after global membership change failed",
					"user_id", m.UserID, "tenant_id", m.TenantID, "error", err)
			}
		}
	}
	return version
}
