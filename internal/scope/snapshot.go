package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/rbac"
)

// ErrMembershipNotFound indicates no membership row exists for the
// requested principal.
var ErrMembershipNotFound = errors.New("membership not found")

// Membership is one user's standing within a tenant: a catalog role
// plus optional direct capability grants on top of it.
type Membership struct {
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MembershipStore persists tenant memberships and derives effective
// scopes from them. It is the SnapshotStore implementation backing the
// version manager.
type MembershipStore struct {
	db      *database.DB
	catalog *rbac.Catalog
}

// NewMembershipStore creates a membership store over the given
// database and role catalog.
func NewMembershipStore(db *database.DB, catalog *rbac.Catalog) *MembershipStore {
	return &MembershipStore{db: db, catalog: catalog}
}

// Upsert inserts or replaces a membership. The role must exist in the
// catalog and direct capability grants must be well formed.
func (s *MembershipStore) Upsert(ctx context.Context, m *Membership) error {
	if !s.catalog.Has(m.Role) {
		return fmt.Errorf("assigning membership: %w: %s", rbac.ErrUnknownRole, m.Role)
	}
	for _, cap := range m.Capabilities {
		if !rbac.ValidCapability(cap) {
			return fmt.Errorf("assigning membership: %w: %s", rbac.ErrInvalidCapability, cap)
		}
	}

	capsJSON, err := json.Marshal(normalize(m.Capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_memberships (user_id, tenant_id, role, capabilities, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET
			role = excluded.role,
			capabilities = excluded.capabilities,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		m.UserID, m.TenantID, m.Role, string(capsJSON), boolToInt(m.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	return nil
}

// Deactivate suspends a membership without deleting its record.
func (s *MembershipStore) Deactivate(ctx context.Context, userID, tenantID string) error {
	return s.setActive(ctx, userID, tenantID, false)
}

// Activate restores a previously suspended membership.
func (s *MembershipStore) Activate(ctx context.Context, userID, tenantID string) error {
	return s.setActive(ctx, userID, tenantID, true)
}

func (s *MembershipStore) setActive(ctx context.Context, userID, tenantID string, active bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		"UPDATE tenant_memberships SET is_active = ?, updated_at = ? WHERE user_id = ? AND tenant_id = ?",
		boolToInt(active), now, userID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("updating membership state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating membership state: %w", err)
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// Delete removes a membership entirely.
func (s *MembershipStore) Delete(ctx context.Context, userID, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tenant_memberships WHERE user_id = ? AND tenant_id = ?",
		userID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// Get returns one membership row.
func (s *MembershipStore) Get(ctx context.Context, userID, tenantID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, tenant_id, role, capabilities, is_active, created_at, updated_at
		FROM tenant_memberships
		WHERE user_id = ? AND tenant_id = ?`,
		userID, tenantID,
	)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	return m, err
}

// ListForUser returns all memberships of a user, active or not,
// ordered by tenant.
func (s *MembershipStore) ListForUser(ctx context.Context, userID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tenant_id, role, capabilities, is_active, created_at, updated_at
		FROM tenant_memberships
		WHERE user_id = ?
		ORDER BY tenant_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EffectiveScope computes a principal's current scope: roles from the
// active membership in the tenant merged with any active membership in
// the global tenant, capabilities expanded through the catalog plus
// direct grants. A principal with no active memberships gets an empty
// scope, not an error.
func (s *MembershipStore) EffectiveScope(ctx context.Context, userID, tenantID string) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, capabilities
		FROM tenant_memberships
		WHERE user_id = ? AND tenant_id IN (?, ?) AND is_active = 1`,
		userID, tenantID, GlobalTenant,
	)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}
	defer rows.Close()

	var roles, direct []string
	for rows.Next() {
		var role, capsJSON string
		if err := rows.Scan(&role, &capsJSON); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		roles = append(roles, role)

		var caps []string
		if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}
		direct = append(direct, caps...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}

	roles = normalize(roles)
	caps, err := s.catalog.Expand(roles)
	if err != nil {
		return nil, fmt.Errorf("expanding roles: %w", err)
	}
	caps = normalize(append(caps, direct...))
	if len(caps) > 1 {
		for _, cap := range caps {
			if cap == "*" {
				caps = []string{"*"}
				break
			}
		}
	}

	return &Snapshot{Roles: roles, Capabilities: caps}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	var (
		m                    Membership
		capsJSON             string
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&m.UserID, &m.TenantID, &m.Role, &capsJSON, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capsJSON), &m.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	m.IsActive = active != 0
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
