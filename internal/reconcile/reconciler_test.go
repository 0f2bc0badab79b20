package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
	_ "github.com/mwhitby/gatekeep-core/migrations" // register embedded migrations
)

const testRolesYAML = `
roles:
  viewer:
    level: 10
    capabilities:
      - chat.completions
  member:
    level: 20
    capabilities:
      - chat.*
`

type testEnv struct {
	db          *database.DB
	memberships *scope.MembershipStore
	manager     *scope.Manager
	events      *scope.EventLog
	registry    *session.Registry
	reconciler  *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "reconcile-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	catalog, err := rbac.ParseCatalog([]byte(testRolesYAML))
	if err != nil {
		t.Fatalf("parsing catalog: %v", err)
	}

	memberships := scope.NewMembershipStore(db, catalog)
	events := scope.NewEventLog(db)
	manager := scope.NewManager(scope.NewVersionRepository(db), events, memberships, logging.Default())
	registry := session.NewRegistry(db)

	cfg := config.ScopeConfig{
		GracePeriod:             300,
		ReplayRetentionCount:    100,
		ReplayRetentionAge:      1440,
		ReconciliationInterval:  1,
		ReconciliationBatchSize: 50,
		RecencyWindow:           30,
	}

	return &testEnv{
		db:          db,
		memberships: memberships,
		manager:     manager,
		events:      events,
		registry:    registry,
		reconciler:  New(manager, registry, events, cfg, logging.Default()),
	}
}

func (env *testEnv) grant(t *testing.T, userID, tenantID, role string) {
	t.Helper()
	err := env.memberships.Upsert(context.Background(), &scope.Membership{
		UserID: userID, TenantID: tenantID, Role: role, IsActive: true,
	})
	if err != nil {
		t.Fatalf("granting membership: %v", err)
	}
}

func (env *testEnv) addSession(t *testing.T, userID, tenantID string, version int64, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	rec := &session.Record{
		SessionID:           uuid.New().String(),
		UserID:              userID,
		TenantID:            tenantID,
		ScopeVersionAtIssue: version,
		RefreshTokenHash:    uuid.New().String(),
		IssuedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := env.registry.Create(context.Background(), rec); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return rec.SessionID
}

func TestRunOnce_RepairsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.grant(t, "alice", "acme", "viewer")
	if _, _, err := env.manager.Recompute(ctx, "alice", "acme"); err != nil {
		t.Fatalf("baseline recompute: %v", err)
	}
	env.addSession(t, "alice", "acme", 1, time.Hour)

	// Membership changed but nothing triggered a recompute.
	env.grant(t, "alice", "acme", "member")

	if err := env.reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	version, err := env.manager.GetVersion(ctx, "alice", "acme")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("version after sweep = %d, want 2 (drift repaired)", version)
	}
}

func TestRunOnce_SkipsIdlePrincipals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.grant(t, "alice", "acme", "viewer")
	if _, _, err := env.manager.Recompute(ctx, "alice", "acme"); err != nil {
		t.Fatalf("baseline recompute: %v", err)
	}
	// No session activity at all, then a membership change.
	env.grant(t, "alice", "acme", "member")

	if err := env.reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	version, err := env.manager.GetVersion(ctx, "alice", "acme")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1 (idle principal untouched)", version)
	}
}

func TestRunOnce_RemovesExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired := env.addSession(t, "alice", "acme", 1, -time.Minute)
	live := env.addSession(t, "bob", "acme", 1, time.Hour)
	env.grant(t, "alice", "acme", "viewer")
	env.grant(t, "bob", "acme", "viewer")

	if err := env.reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, err := env.registry.Get(ctx, expired); err == nil {
		t.Error("expired session should be deleted by the sweep")
	}
	if _, err := env.registry.Get(ctx, live); err != nil {
		t.Errorf("live session should survive the sweep: %v", err)
	}
}

func TestRunOnce_RetriesUndeliveredEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.grant(t, "alice", "acme", "viewer")
	if _, _, err := env.manager.Recompute(ctx, "alice", "acme"); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	env.grant(t, "alice", "acme", "member")
	_, event, err := env.manager.Recompute(ctx, "alice", "acme")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event")
	}

	// Force the event back to undelivered, as if a notifier had
	// rejected it at commit time.
	if _, err := env.db.ExecContext(ctx,
		"UPDATE scope_change_events SET processed = 0 WHERE id = ?", event.ID); err != nil {
		t.Fatalf("resetting processed: %v", err)
	}

	if err := env.reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	stored, err := env.events.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("fetching event: %v", err)
	}
	if !stored.Processed {
		t.Error("sweep should re-dispatch and mark the event processed")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.reconciler.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
