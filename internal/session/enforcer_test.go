package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

func newTestEnforcer(t *testing.T, policy config.StalePolicy, failOpen bool) (*Enforcer, *Registry, *fakeVersionSource) {
	t.Helper()
	reg := newTestRegistry(t)
	versions := &fakeVersionSource{}
	cfg := config.ScopeConfig{
		StalePolicy:           policy,
		GracePeriod:           300,
		FailOpenOnLookupError: failOpen,
	}
	return NewEnforcer(reg, versions, cfg, logging.Default()), reg, versions
}

func TestValidate_CurrentSessionIsOK(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	rec := createSession(t, reg, "alice", "acme", 2, time.Hour)
	versions.set("alice", "acme", 2, time.Now())

	v, err := enforcer.Validate(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Status != StatusOK || !v.Usable() {
		t.Errorf("validation = %+v, want OK and usable", v)
	}
	if v.SessionVersion != 2 || v.CurrentVersion != 2 {
		t.Errorf("versions = %d/%d, want 2/2", v.SessionVersion, v.CurrentVersion)
	}
}

func TestValidate_UnknownRevokedExpired(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	versions.set("alice", "acme", 1, time.Now())

	v, err := enforcer.Validate(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Validate unknown: %v", err)
	}
	if v.Status != StatusInvalid || v.Reason != "unknown_session" {
		t.Errorf("unknown session validation = %+v", v)
	}

	revoked := createSession(t, reg, "alice", "acme", 1, time.Hour)
	if err := reg.Revoke(context.Background(), revoked.SessionID, "admin"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	v, err = enforcer.Validate(context.Background(), revoked.SessionID)
	if err != nil {
		t.Fatalf("Validate revoked: %v", err)
	}
	if v.Status != StatusInvalid || v.Reason != "revoked" || v.Usable() {
		t.Errorf("revoked session validation = %+v", v)
	}

	expired := createSession(t, reg, "alice", "acme", 1, -time.Minute)
	v, err = enforcer.Validate(context.Background(), expired.SessionID)
	if err != nil {
		t.Fatalf("Validate expired: %v", err)
	}
	if v.Status != StatusInvalid || v.Reason != "expired" {
		t.Errorf("expired session validation = %+v", v)
	}
}

func TestValidate_StaleWithinGrace(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	rec := createSession(t, reg, "alice", "acme", 1, time.Hour)
	// Scope changed ten seconds ago; grace is five minutes.
	versions.set("alice", "acme", 2, time.Now().Add(-10*time.Second))

	v, err := enforcer.Validate(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Status != StatusStale {
		t.Fatalf("status = %s, want stale", v.Status)
	}
	if !v.Usable() {
		t.Error("stale session within grace should be usable")
	}
	if v.GraceRemaining <= 0 || v.GraceRemaining > 5*time.Minute {
		t.Errorf("grace remaining = %s, want within (0, 5m]", v.GraceRemaining)
	}
	if v.SessionVersion != 1 || v.CurrentVersion != 2 {
		t.Errorf("versions = %d/%d, want 1/2", v.SessionVersion, v.CurrentVersion)
	}
}

func TestValidate_StaleGraceExpired(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	rec := createSession(t, reg, "alice", "acme", 1, time.Hour)
	// Change happened well beyond the five minute grace.
	versions.set("alice", "acme", 2, time.Now().Add(-time.Hour))

	v, err := enforcer.Validate(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Status != StatusStale || v.GraceRemaining != 0 || v.Usable() {
		t.Errorf("validation = %+v, want stale, no grace, unusable", v)
	}
}

func TestValidate_HardPolicyHasNoGrace(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyHard, false)
	rec := createSession(t, reg, "alice", "acme", 1, time.Hour)
	versions.set("alice", "acme", 2, time.Now())

	v, err := enforcer.Validate(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Status != StatusStale || v.GraceRemaining != 0 || v.Usable() {
		t.Errorf("hard policy validation = %+v, want immediately unusable", v)
	}
}

func TestValidate_StoreFailure(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, true)
		rec := createSession(t, reg, "alice", "acme", 1, time.Hour)
		versions.err = errors.New("store down")

		v, err := enforcer.Validate(context.Background(), rec.SessionID)
		if !errors.Is(err, scope.ErrStoreUnavailable) {
			t.Errorf("error = %v, want ErrStoreUnavailable", err)
		}
		if v == nil || v.Status != StatusOK || !v.Usable() {
			t.Errorf("fail-open validation = %+v, want usable OK", v)
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
		rec := createSession(t, reg, "alice", "acme", 1, time.Hour)
		versions.err = errors.New("store down")

		v, err := enforcer.Validate(context.Background(), rec.SessionID)
		if !errors.Is(err, scope.ErrStoreUnavailable) {
			t.Errorf("error = %v, want ErrStoreUnavailable", err)
		}
		if v == nil || v.Usable() {
			t.Errorf("fail-closed validation = %+v, want unusable", v)
		}
	})
}

type recordingInvalidationNotifier struct {
	calls        []string
	sessionCalls []string
}

func (n *recordingInvalidationNotifier) NotifySessionsInvalidated(_ context.Context, userID, tenantID, reason string) error {
	n.calls = append(n.calls, userID+"/"+tenantID+"/"+reason)
	return nil
}

func (n *recordingInvalidationNotifier) NotifySessionInvalidated(_ context.Context, userID, tenantID, sessionID, reason string) error {
	n.sessionCalls = append(n.sessionCalls, userID+"/"+tenantID+"/"+sessionID+"/"+reason)
	return nil
}

func TestInvalidate_RevokesAndNotifies(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	versions.set("alice", "acme", 1, time.Now())
	createSession(t, reg, "alice", "acme", 1, time.Hour)
	createSession(t, reg, "alice", "acme", 1, time.Hour)

	notifier := &recordingInvalidationNotifier{}
	enforcer.AddNotifier(notifier)

	n, err := enforcer.Invalidate(context.Background(), "alice", "acme", "membership_removed")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if n != 2 {
		t.Errorf("invalidated %d sessions, want 2", n)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "alice/acme/membership_removed" {
		t.Errorf("notifier calls = %v", notifier.calls)
	}

	// Nothing left to revoke: no broadcast either.
	n, err = enforcer.Invalidate(context.Background(), "alice", "acme", "again")
	if err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
	if n != 0 || len(notifier.calls) != 1 {
		t.Errorf("second invalidate revoked %d, notifier calls %d", n, len(notifier.calls))
	}
}

func TestInvalidateSession_RevokesOneAndNotifies(t *testing.T) {
	enforcer, reg, versions := newTestEnforcer(t, config.PolicyGrace, false)
	versions.set("alice", "acme", 1, time.Now())
	target := createSession(t, reg, "alice", "acme", 1, time.Hour)
	other := createSession(t, reg, "alice", "acme", 1, time.Hour)

	notifier := &recordingInvalidationNotifier{}
	enforcer.AddNotifier(notifier)

	if err := enforcer.InvalidateSession(context.Background(), target.SessionID, "revoked_by_owner"); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}

	v, err := enforcer.Validate(context.Background(), target.SessionID)
	if err != nil {
		t.Fatalf("Validate target: %v", err)
	}
	if v.Status != StatusInvalid || v.Reason != "revoked" {
		t.Errorf("target validation = %+v, want revoked", v)
	}

	v, err = enforcer.Validate(context.Background(), other.SessionID)
	if err != nil {
		t.Fatalf("Validate other: %v", err)
	}
	if v.Status != StatusOK {
		t.Errorf("other session = %+v, must stay valid", v)
	}

	want := "alice/acme/" + target.SessionID + "/revoked_by_owner"
	if len(notifier.sessionCalls) != 1 || notifier.sessionCalls[0] != want {
		t.Errorf("notifier session calls = %v, want [%s]", notifier.sessionCalls, want)
	}
	if len(notifier.calls) != 0 {
		t.Errorf("principal-wide broadcast fired for a single revocation: %v", notifier.calls)
	}

	if err := enforcer.InvalidateSession(context.Background(), "no-such-session", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session error = %v, want ErrSessionNotFound", err)
	}
}
