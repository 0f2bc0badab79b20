package scope

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
	_ "github.com/mwhitby/gatekeep-core/migrations" // register embedded migrations
)

const testRolesYAML = `
roles:
  viewer:
    level: 10
    capabilities:
      - chat.completions
      - models.list
  member:
    level: 20
    capabilities:
      - chat.*
      - files.upload
  admin:
    level: 100
    capabilities:
      - "*"
`

type testEnv struct {
	db          *database.DB
	catalog     *rbac.Catalog
	memberships *MembershipStore
	versions    *VersionRepository
	events      *EventLog
	manager     *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "scope-test.db"),
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
		t.Fatalf("parsing test catalog: %v", err)
	}

	memberships := NewMembershipStore(db, catalog)
	versions := NewVersionRepository(db)
	events := NewEventLog(db)
	manager := NewManager(versions, events, memberships, logging.Default())

	return &testEnv{
		db:          db,
		catalog:     catalog,
		memberships: memberships,
		versions:    versions,
		events:      events,
		manager:     manager,
	}
}

// grant assigns an active membership and fails the test on error.
func (env *testEnv) grant(t *testing.T, userID, tenantID, role string, caps ...string) {
	t.Helper()
	err := env.memberships.Upsert(context.Background(), &Membership{
		UserID:       userID,
		TenantID:     tenantID,
		Role:         role,
		Capabilities: caps,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("granting membership %s/%s role %s: %v", userID, tenantID, role, err)
	}
}

// recompute runs a recompute and fails the test on error.
func (env *testEnv) recompute(t *testing.T, userID, tenantID string) (*Version, *ChangeEvent) {
	t.Helper()
	v, event, err := env.manager.Recompute(context.Background(), userID, tenantID)
	if err != nil {
		t.Fatalf("recomputing %s/%s: %v", userID, tenantID, err)
	}
	return v, event
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
