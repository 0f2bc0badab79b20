package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
)

// ErrRefreshExpired indicates the refresh token's session has passed
// its expiry and cannot be renewed.
var ErrRefreshExpired = errors.New("refresh token expired")

// Service issues and refreshes sessions. Every issued token pins the
// scope version current at that moment; a refresh re-pins to whatever
// the version is then, which is how stale sessions recover without a
// full login.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	registry   *session.Registry
	scopes     *scope.Manager
	log        *logging.Logger
}

// NewService builds the token service from the JWT configuration.
func NewService(cfg config.JWTConfig, registry *session.Registry, scopes *scope.Manager, log *logging.Logger) *Service {
	return &Service{
		secret:     []byte(cfg.Secret),
		accessTTL:  time.Duration(cfg.AccessTokenTTL) * time.Minute,
		refreshTTL: time.Duration(cfg.RefreshTokenTTL) * time.Minute,
		registry:   registry,
		scopes:     scopes,
		log:        log.With("component", "auth_service"),
	}
}

// Secret exposes the signing key for the request middleware.
func (s *Service) Secret() []byte { return s.secret }

// IssuedSession is what a client receives after issue or refresh.
type IssuedSession struct {
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ScopeVersion int64     `json:"scope_version"`
	Capabilities []string  `json:"capabilities"`
	Roles        []string  `json:"roles"`
}

// IssueSession creates a session for a principal at its current scope
// version.
func (s *Service) IssueSession(ctx context.Context, userID, tenantID string) (*IssuedSession, error) {
	current, err := s.scopes.Current(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving scope for issue: %w", err)
	}

	sessionID := uuid.New().String()
	refresh, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	access, err := GenerateToken(s.secret, userID, tenantID, sessionID,
		current.Version, current.Capabilities, s.accessTTL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &session.Record{
		SessionID:           sessionID,
		UserID:              userID,
		TenantID:            tenantID,
		ScopeVersionAtIssue: current.Version,
		RefreshTokenHash:    HashToken(refresh),
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.refreshTTL),
	}
	if err := s.registry.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info("session issued",
		"session_id", sessionID, "user_id", userID, "tenant_id", tenantID,
		"scope_version", current.Version)

	return &IssuedSession{
		SessionID:    sessionID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.accessTTL),
		ScopeVersion: current.Version,
		Capabilities: current.Capabilities,
		Roles:        current.Roles,
	}, nil
}

// RefreshSession exchanges a refresh token for fresh credentials. The
// session adopts the current scope version, clearing any staleness.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (*IssuedSession, error) {
	rec, err := s.registry.GetByRefreshHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, fmt.Errorf("session %s: %w", rec.SessionID, ErrRefreshExpired)
	}

	current, err := s.scopes.Current(ctx, rec.UserID, rec.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving scope for refresh: %w", err)
	}

	refresh, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	access, err := GenerateToken(s.secret, rec.UserID, rec.TenantID, rec.SessionID,
		current.Version, current.Capabilities, s.accessTTL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.registry.Reissue(ctx, rec.SessionID, current.Version,
		HashToken(refresh), now.Add(s.refreshTTL)); err != nil {
		return nil, err
	}

	s.log.Info("session refreshed",
		"session_id", rec.SessionID, "user_id", rec.UserID, "tenant_id", rec.TenantID,
		"old_version", rec.ScopeVersionAtIssue, "scope_version", current.Version)

	return &IssuedSession{
		SessionID:    rec.SessionID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.accessTTL),
		ScopeVersion: current.Version,
		Capabilities: current.Capabilities,
		Roles:        current.Roles,
	}, nil
}
