package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates no record exists for the session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRefreshTokenNotFound indicates no session matches the
	// presented refresh token hash.
	ErrRefreshTokenNotFound = errors.New("refresh token not recognized")
)

// Record ties a session to the scope version it was issued against.
// Validation compares ScopeVersionAtIssue with the principal's current
// version to detect sessions running on outdated scope.
type Record struct {
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	TenantID            string    `json:"tenant_id"`
	ScopeVersionAtIssue int64     `json:"scope_version_at_issue"`
	RefreshTokenHash    string    `json:"-"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	LastValidatedAt     time.Time `json:"last_validated_at"`
	Revoked             bool      `json:"revoked"`
	RevokedReason       string    `json:"revoked_reason,omitempty"`
}

// Status is the outcome of a session consistency check.
type Status string

const (
	// StatusOK means the session's scope version matches the current
	// one.
	StatusOK Status = "ok"

	// StatusStale means the principal's scope has changed since the
	// session was issued. Whether a stale session is still usable
	// depends on the staleness policy and remaining grace.
	StatusStale Status = "stale"

	// StatusInvalid means the session cannot be used at all: unknown,
	// expired or revoked.
	StatusInvalid Status = "invalid"
)

// Validation is the full result of checking one session.
type Validation struct {
	Status         Status        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	SessionVersion int64         `json:"session_version,omitempty"`
	CurrentVersion int64         `json:"current_version,omitempty"`
	GraceRemaining time.Duration `json:"grace_remaining,omitempty"`
}

// Usable reports whether a request carrying this session may proceed.
// Stale sessions are usable only while grace remains; during that
// window the caller must authorize against the capability set the
// session was issued with, not the new one.
func (v *Validation) Usable() bool {
	if v.Status == StatusOK {
		return true
	}
	return v.Status == StatusStale && v.GraceRemaining > 0
}
