package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
)

// VersionRepository persists per-principal scope versions. All writes
// go through compare-and-swap on the version column, so concurrent
// recomputes serialize into a strictly monotonic sequence with no
// lost updates.
type VersionRepository struct {
	db *database.DB
}

// NewVersionRepository creates a version repository over the given
// database.
func NewVersionRepository(db *database.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Get returns the current version row for a principal.
// Returns ErrNotInitialized if the principal has never been computed.
func (r *VersionRepository) Get(ctx context.Context, userID, tenantID string) (*Version, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, tenant_id, version, capabilities, roles, checksum, last_event_id, last_updated
		FROM scope_versions
		WHERE user_id = ? AND tenant_id = ?`,
		userID, tenantID,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotInitialized, userID, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, nil
}

// CreateBaseline installs version 1 for a principal from its current
// snapshot. Baselines append no change event since there is no prior
// version to diff against. Returns ErrVersionConflict if another
// writer initialized the principal first.
func (r *VersionRepository) CreateBaseline(ctx context.Context, userID, tenantID string, snap *Snapshot) (*Version, error) {
	v := &Version{
		UserID:       userID,
		TenantID:     tenantID,
		Version:      1,
		Capabilities: normalize(snap.Capabilities),
		Roles:        normalize(snap.Roles),
		Checksum:     Checksum(snap.Capabilities, snap.Roles),
		LastUpdated:  time.Now().UTC(),
	}

	capsJSON, rolesJSON, err := encodeLists(v)
	if err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO scope_versions (user_id, tenant_id, version, capabilities, roles, checksum, last_event_id, last_updated)
		VALUES (?, ?, 1, ?, ?, ?, 0, ?)
		ON CONFLICT (user_id, tenant_id) DO NOTHING`,
		userID, tenantID, capsJSON, rolesJSON, v.Checksum, v.LastUpdated.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("baseline for %s/%s: %w", userID, tenantID, ErrVersionConflict)
	}
	return v, nil
}

// Advance moves a principal from current to current+1 and appends the
// change event in the same transaction. The update is guarded on the
// version read by the caller; if another writer advanced first, the
// transaction rolls back and ErrVersionConflict is returned so the
// caller can re-read and retry.
func (r *VersionRepository) Advance(ctx context.Context, current *Version, snap *Snapshot, event *ChangeEvent) (*Version, error) {
	next := &Version{
		UserID:       current.UserID,
		TenantID:     current.TenantID,
		Version:      current.Version + 1,
		Capabilities: normalize(snap.Capabilities),
		Roles:        normalize(snap.Roles),
		Checksum:     Checksum(snap.Capabilities, snap.Roles),
		LastUpdated:  time.Now().UTC(),
	}
	event.UserID = current.UserID
	event.TenantID = current.TenantID
	event.OldVersion = current.Version
	event.NewVersion = next.Version

	capsJSON, rolesJSON, err := encodeLists(next)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := insertEventTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	next.LastEventID = event.ID

	res, err := tx.ExecContext(ctx, `
		UPDATE scope_versions
		SET version = ?, capabilities = ?, roles = ?, checksum = ?, last_event_id = ?, last_updated = ?
		WHERE user_id = ? AND tenant_id = ? AND version = ?`,
		next.Version, capsJSON, rolesJSON, next.Checksum, next.LastEventID,
		next.LastUpdated.Format(time.RFC3339),
		current.UserID, current.TenantID, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("advance %s/%s from %d: %w",
			current.UserID, current.TenantID, current.Version, ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return next, nil
}

// ListPrincipals returns every principal with a version row.
func (r *VersionRepository) ListPrincipals(ctx context.Context) ([]Principal, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id, tenant_id FROM scope_versions ORDER BY user_id, tenant_id")
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer rows.Close()

	var out []Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.UserID, &p.TenantID); err != nil {
			return nil, fmt.Errorf("scanning principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeLists(v *Version) (capsJSON, rolesJSON string, err error) {
	caps, err := json.Marshal(v.Capabilities)
	if err != nil {
		return "", "", fmt.Errorf("encoding capabilities: %w", err)
	}
	roles, err := json.Marshal(v.Roles)
	if err != nil {
		return "", "", fmt.Errorf("encoding roles: %w", err)
	}
	return string(caps), string(roles), nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var (
		v                   Version
		capsJSON, rolesJSON string
		lastUpdated         string
	)
	err := row.Scan(&v.UserID, &v.TenantID, &v.Version, &capsJSON, &rolesJSON,
		&v.Checksum, &v.LastEventID, &lastUpdated)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capsJSON), &v.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &v.Roles); err != nil {
		return nil, fmt.Errorf("decoding roles: %w", err)
	}
	if v.LastUpdated, err = time.Parse(time.RFC3339, lastUpdated); err != nil {
		return nil, fmt.Errorf("parsing last_updated: %w", err)
	}
	return &v, nil
}
