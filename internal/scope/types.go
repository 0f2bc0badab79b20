package scope

import (
	"context"
	"errors"
	"time"
)

// GlobalTenant is the tenant identifier for memberships that apply
// across all tenants. Global grants merge into every tenant-scoped
// effective scope.
const GlobalTenant = "global"

var (
	// ErrNotInitialized indicates no scope version row exists yet for
	// the principal.
	ErrNotInitialized = errors.New("scope version not initialized")

	// ErrVersionConflict indicates a compare-and-swap advance lost the
	// race to a concurrent writer.
	ErrVersionConflict = errors.New("scope version conflict")

	// ErrStoreUnavailable indicates the version store could not be
	// reached. Callers decide whether to fail open or closed.
	ErrStoreUnavailable = errors.New("scope store unavailable")
)

// Principal identifies a user within a tenant. Scope versions are
// tracked per principal, not per user.
type Principal struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// Version is the authoritative scope record for one principal. Version
// numbers start at 1 and only ever increase.
type Version struct {
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	Version      int64     `json:"version"`
	Capabilities []string  `json:"capabilities"`
	Roles        []string  `json:"roles"`
	Checksum     string    `json:"checksum"`
	LastEventID  int64     `json:"last_event_id"`
	LastUpdated  time.Time `json:"last_updated"`
}

// ChangeType classifies what a scope change touched.
type ChangeType string

const (
	ChangeRoleAdded         ChangeType = "role_added"
	ChangeRoleRemoved       ChangeType = "role_removed"
	ChangeCapabilityAdded   ChangeType = "capability_added"
	ChangeCapabilityRemoved ChangeType = "capability_removed"
	ChangeMixed             ChangeType = "mixed"
)

// ChangeEvent records one version advance. Events form a gapless
// per-principal history used for client replay and delivery retry.
type ChangeEvent struct {
	ID                  int64      `json:"id"`
	UserID              string     `json:"user_id"`
	TenantID            string     `json:"tenant_id"`
	OldVersion          int64      `json:"old_version"`
	NewVersion          int64      `json:"new_version"`
	AddedCapabilities   []string   `json:"added_capabilities"`
	RemovedCapabilities []string   `json:"removed_capabilities"`
	AddedRoles          []string   `json:"added_roles"`
	RemovedRoles        []string   `json:"removed_roles"`
	ChangeType          ChangeType `json:"change_type"`
	Processed           bool       `json:"processed"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Snapshot is the current effective scope of a principal as computed
// from membership data, before any versioning is applied.
type Snapshot struct {
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

// SnapshotStore produces the effective scope for a principal from the
// underlying membership records.
type SnapshotStore interface {
	EffectiveScope(ctx context.Context, userID, tenantID string) (*Snapshot, error)
}

// Notifier receives change events as they are committed. A nil error
// means the event reached every currently-interested consumer and may
// be marked processed.
type Notifier interface {
	NotifyScopeChanged(ctx context.Context, event *ChangeEvent) error
}
