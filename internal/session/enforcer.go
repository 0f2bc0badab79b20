package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// VersionSource supplies the current scope version for a principal.
// Satisfied by the scope manager.
type VersionSource interface {
	Current(ctx context.Context, userID, tenantID string) (*scope.Version, error)
}

// InvalidationNotifier is told when sessions are force-revoked so
// connected clients can be informed. The principal-wide form covers
// bulk invalidations; the session form targets one revocation.
type InvalidationNotifier interface {
	NotifySessionsInvalidated(ctx context.Context, userID, tenantID, reason string) error
	NotifySessionInvalidated(ctx context.Context, userID, tenantID, sessionID, reason string) error
}

// Enforcer validates sessions against current scope versions and
// applies the configured staleness policy.
type Enforcer struct {
	registry    *Registry
	versions    VersionSource
	policy      config.StalePolicy
	gracePeriod time.Duration
	failOpen    bool
	log         *logging.Logger

	mu        sync.RWMutex
	notifiers []InvalidationNotifier
}

// NewEnforcer builds an enforcer from the scope configuration.
func NewEnforcer(registry *Registry, versions VersionSource, cfg config.ScopeConfig, log *logging.Logger) *Enforcer {
	return &Enforcer{
		registry:    registry,
		versions:    versions,
		policy:      cfg.StalePolicy,
		gracePeriod: cfg.GetGracePeriod(),
		failOpen:    cfg.FailOpenOnLookupError,
		log:         log.With("component", "session_enforcer"),
	}
}

// AddNotifier registers a consumer of invalidation broadcasts.
func (e *Enforcer) AddNotifier(n InvalidationNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Validate checks one session against its principal's current scope
// version.
//
// When the version store cannot be read, the returned Validation is
// still usable according to the fail-open setting, and the error
// wraps scope.ErrStoreUnavailable so callers can record the degraded
// check.
func (e *Enforcer) Validate(ctx context.Context, sessionID string) (*Validation, error) {
	rec, err := e.registry.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return &Validation{Status: StatusInvalid, Reason: "unknown_session"}, nil
	}
	if err != nil {
		return e.degraded(0), fmt.Errorf("%w: %v", scope.ErrStoreUnavailable, err)
	}

	if rec.Revoked {
		return &Validation{Status: StatusInvalid, Reason: "revoked"}, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return &Validation{Status: StatusInvalid, Reason: "expired"}, nil
	}

	current, err := e.versions.Current(ctx, rec.UserID, rec.TenantID)
	if err != nil {
		e.log.Warn("scope version lookup failed during validation",
			"session_id", sessionID, "fail_open", e.failOpen, "error", err)
		return e.degraded(rec.ScopeVersionAtIssue), fmt.Errorf("%w: %v", scope.ErrStoreUnavailable, err)
	}

	if current.Version == rec.ScopeVersionAtIssue {
		if err := e.registry.Touch(ctx, sessionID); err != nil {
			e.log.Warn("touching session failed", "session_id", sessionID, "error", err)
		}
		return &Validation{
			Status:         StatusOK,
			SessionVersion: rec.ScopeVersionAtIssue,
			CurrentVersion: current.Version,
		}, nil
	}

	// Stale. Grace counts from the moment the scope changed, not from
	// when the staleness is first observed.
	var remaining time.Duration
	if e.policy == config.PolicyGrace {
		remaining = e.gracePeriod - time.Since(current.LastUpdated)
		if remaining < 0 {
			remaining = 0
		}
	}
	return &Validation{
		Status:         StatusStale,
		Reason:         "scope_outdated",
		SessionVersion: rec.ScopeVersionAtIssue,
		CurrentVersion: current.Version,
		GraceRemaining: remaining,
	}, nil
}

// degraded builds the validation returned when stores cannot be read.
func (e *Enforcer) degraded(sessionVersion int64) *Validation {
	if e.failOpen {
		return &Validation{
			Status:         StatusOK,
			Reason:         "store_unavailable_fail_open",
			SessionVersion: sessionVersion,
		}
	}
	return &Validation{
		Status:         StatusStale,
		Reason:         "store_unavailable",
		SessionVersion: sessionVersion,
	}
}

// Invalidate force-revokes every session of a principal and informs
// registered notifiers. Returns the number of sessions revoked.
func (e *Enforcer) Invalidate(ctx context.Context, userID, tenantID, reason string) (int64, error) {
	n, err := e.registry.RevokeAllForPrincipal(ctx, userID, tenantID, reason)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	e.log.Info("sessions invalidated",
		"user_id", userID, "tenant_id", tenantID, "count", n, "reason", reason)

	for _, notifier := range e.snapshotNotifiers() {
		if err := notifier.NotifySessionsInvalidated(ctx, userID, tenantID, reason); err != nil {
			e.log.Warn("invalidation broadcast failed",
				"user_id", userID, "tenant_id", tenantID, "error", err)
		}
	}
	return n, nil
}

// InvalidateSession revokes one session and pushes session_invalidated
// to the connections it holds open, leaving the principal's other
// sessions untouched.
func (e *Enforcer) InvalidateSession(ctx context.Context, sessionID, reason string) error {
	rec, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.registry.Revoke(ctx, sessionID, reason); err != nil {
		return err
	}

	e.log.Info("session invalidated",
		"session_id", sessionID, "user_id", rec.UserID, "reason", reason)

	for _, notifier := range e.snapshotNotifiers() {
		if err := notifier.NotifySessionInvalidated(ctx, rec.UserID, rec.TenantID, sessionID, reason); err != nil {
			e.log.Warn("invalidation broadcast failed",
				"session_id", sessionID, "user_id", rec.UserID, "error", err)
		}
	}
	return nil
}

func (e *Enforcer) snapshotNotifiers() []InvalidationNotifier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	notifiers := make([]InvalidationNotifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	return notifiers
}
