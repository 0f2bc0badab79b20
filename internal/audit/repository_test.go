package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/audit"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	_ "github.com/mwhitby/gatekeep-core/migrations" // register embedded migrations
)

const testRolesYAML = `
roles:
  viewer:
    level: 10
    capabilities:
      - models.list
  member:
    level: 20
    capabilities:
      - chat.*
`

// newTestRepo builds an audit repository over a database with real
// change events written through the scope manager.
func newTestRepo(t *testing.T) (*audit.SQLiteRepository, *scope.Manager, *scope.MembershipStore) {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "audit-test.db"),
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
	versions := scope.NewVersionRepository(db)
	events := scope.NewEventLog(db)
	manager := scope.NewManager(versions, events, memberships, logging.Default())

	return audit.NewSQLiteRepository(db), manager, memberships
}

// reassign changes a principal's role and recomputes, producing one
// change event per call after the baseline.
func reassign(t *testing.T, manager *scope.Manager, memberships *scope.MembershipStore, userID, tenantID, role string) {
	t.Helper()
	err := memberships.Upsert(context.Background(), &scope.Membership{
		UserID: userID, TenantID: tenantID, Role: role, IsActive: true,
	})
	if err != nil {
		t.Fatalf("upserting membership: %v", err)
	}
	if _, _, err := manager.Recompute(context.Background(), userID, tenantID); err != nil {
		t.Fatalf("recomputing: %v", err)
	}
}

func TestList_Empty(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	result, err := repo.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("total = %d, want 0", result.Total)
	}
	if result.Entries == nil {
		t.Error("entries should be an empty slice, not nil")
	}
}

func TestList_FiltersByPrincipal(t *testing.T) {
	repo, manager, memberships := newTestRepo(t)

	reassign(t, manager, memberships, "alice", "acme", "viewer")
	reassign(t, manager, memberships, "alice", "acme", "member")
	reassign(t, manager, memberships, "bob", "acme", "viewer")
	reassign(t, manager, memberships, "bob", "acme", "member")

	result, err := repo.List(context.Background(), audit.Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// Baseline creation emits no event, so only the role change counts.
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	if result.Entries[0].UserID != "alice" {
		t.Errorf("user_id = %s, want alice", result.Entries[0].UserID)
	}
}

func TestList_FiltersByChangeType(t *testing.T) {
	repo, manager, memberships := newTestRepo(t)

	reassign(t, manager, memberships, "alice", "acme", "viewer")
	reassign(t, manager, memberships, "alice", "acme", "member")

	result, err := repo.List(context.Background(), audit.Filter{ChangeType: "mixed"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	if result.Entries[0].ChangeType != "mixed" {
		t.Errorf("change_type = %s, want mixed", result.Entries[0].ChangeType)
	}

	result, err = repo.List(context.Background(), audit.Filter{ChangeType: "capability_added"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("total for capability_added = %d, want 0", result.Total)
	}
}

func TestList_Pagination(t *testing.T) {
	repo, manager, memberships := newTestRepo(t)

	roles := []string{"viewer", "member", "viewer", "member"}
	for _, role := range roles {
		reassign(t, manager, memberships, "alice", "acme", role)
	}

	page, err := repo.List(context.Background(), audit.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3", page.Total)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Entries))
	}
	// Newest first.
	if page.Entries[0].ID < page.Entries[1].ID {
		t.Error("entries should be ordered newest first")
	}

	rest, err := repo.List(context.Background(), audit.Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(rest.Entries) != 1 {
		t.Errorf("second page size = %d, want 1", len(rest.Entries))
	}
}

func TestList_SinceFilter(t *testing.T) {
	repo, manager, memberships := newTestRepo(t)

	reassign(t, manager, memberships, "alice", "acme", "viewer")
	reassign(t, manager, memberships, "alice", "acme", "member")

	future := time.Now().UTC().Add(time.Hour)
	result, err := repo.List(context.Background(), audit.Filter{Since: future})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("total since future = %d, want 0", result.Total)
	}

	past := time.Now().UTC().Add(-time.Hour)
	result, err = repo.List(context.Background(), audit.Filter{Since: past})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("total since past = %d, want 1", result.Total)
	}
}
