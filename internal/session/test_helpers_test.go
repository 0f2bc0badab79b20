package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	_ "github.com/mwhitby/gatekeep-core/migrations" // register embedded migrations
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "session-test.db"),
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
	return NewRegistry(db)
}

// createSession inserts a session record and returns it.
func createSession(t *testing.T, reg *Registry, userID, tenantID string, version int64, ttl time.Duration) *Record {
	t.Helper()
	now := time.Now().UTC()
	rec := &Record{
		SessionID:           uuid.New().String(),
		UserID:              userID,
		TenantID:            tenantID,
		ScopeVersionAtIssue: version,
		RefreshTokenHash:    uuid.New().String(),
		IssuedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := reg.Create(context.Background(), rec); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return rec
}

// fakeVersionSource serves canned version records for enforcer tests.
type fakeVersionSource struct {
	versions map[string]*scope.Version
	err      error
}

func (f *fakeVersionSource) Current(_ context.Context, userID, tenantID string) (*scope.Version, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.versions[userID+"/"+tenantID]
	if !ok {
		return nil, errors.New("no canned version")
	}
	return v, nil
}

func (f *fakeVersionSource) set(userID, tenantID string, version int64, changedAt time.Time) {
	if f.versions == nil {
		f.versions = make(map[string]*scope.Version)
	}
	f.versions[userID+"/"+tenantID] = &scope.Version{
		UserID:      userID,
		TenantID:    tenantID,
		Version:     version,
		LastUpdated: changedAt,
	}
}
