package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// Registry persists session scope records in SQLite. One row per
// session, keyed by session ID, with the scope version captured at
// issue time.
type Registry struct {
	db *database.DB
}

// NewRegistry creates a session registry over the given database.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{db: db}
}

const recordColumns = `session_id, user_id, tenant_id, scope_version_at_issue,
	refresh_token_hash, issued_at, expires_at, last_validated_at, revoked, revoked_reason`

// Create inserts a new session record.
func (r *Registry) Create(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_scope_records
			(session_id, user_id, tenant_id, scope_version_at_issue,
			 refresh_token_hash, issued_at, expires_at, last_validated_at, revoked, revoked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '')`,
		rec.SessionID, rec.UserID, rec.TenantID, rec.ScopeVersionAtIssue,
		rec.RefreshTokenHash,
		rec.IssuedAt.UTC().Format(time.RFC3339),
		rec.ExpiresAt.UTC().Format(time.RFC3339),
		rec.IssuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating session record: %w", err)
	}
	return nil
}

// Get returns one session record.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM session_scope_records WHERE session_id = ?", sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return rec, err
}

// GetByRefreshHash looks a session up by the hash of its refresh
// token. Revoked sessions do not match.
func (r *Registry) GetByRefreshHash(ctx context.Context, hash string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+` FROM session_scope_records
		WHERE refresh_token_hash = ? AND revoked = 0`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshTokenNotFound
	}
	return rec, err
}

// Reissue updates a session after a refresh: it adopts the current
// scope version, rotates the refresh token hash and extends expiry.
func (r *Registry) Reissue(ctx context.Context, sessionID string, scopeVersion int64, refreshHash string, expiresAt time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, `
		UPDATE session_scope_records
		SET scope_version_at_issue = ?, refresh_token_hash = ?, expires_at = ?, last_validated_at = ?
		WHERE session_id = ? AND revoked = 0`,
		scopeVersion, refreshHash, expiresAt.UTC().Format(time.RFC3339), now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("reissuing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reissuing session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// Touch records a successful validation.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		"UPDATE session_scope_records SET last_validated_at = ? WHERE session_id = ?",
		now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// Revoke marks one session unusable.
func (r *Registry) Revoke(ctx context.Context, sessionID, reason string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE session_scope_records SET revoked = 1, revoked_reason = ? WHERE session_id = ? AND revoked = 0",
		reason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// RevokeAllForPrincipal revokes every live session of a principal and
// returns how many were affected.
func (r *Registry) RevokeAllForPrincipal(ctx context.Context, userID, tenantID, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE session_scope_records SET revoked = 1, revoked_reason = ?
		WHERE user_id = ? AND tenant_id = ? AND revoked = 0`,
		reason, userID, tenantID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	return n, nil
}

// ListForPrincipal returns all non-revoked, unexpired sessions of a
// principal, newest first.
func (r *Registry) ListForPrincipal(ctx context.Context, userID, tenantID string) ([]*Record, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+recordColumns+` FROM session_scope_records
		WHERE user_id = ? AND tenant_id = ? AND revoked = 0 AND expires_at > ?
		ORDER BY issued_at DESC`,
		userID, tenantID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return collectRecords(rows)
}

// DeleteExpired removes sessions whose expiry has passed, revoked or
// not. Returns the number of rows removed.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM session_scope_records WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return n, nil
}

// ListRecentPrincipals returns the distinct principals with session
// activity since the cutoff. The reconciler recomputes these to catch
// drift for principals that are actually in use.
func (r *Registry) ListRecentPrincipals(ctx context.Context, since time.Time, limit int) ([]scope.Principal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id, tenant_id
		FROM session_scope_records
		WHERE last_validated_at >= ? AND revoked = 0
		ORDER BY user_id, tenant_id
		LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent principals: %w", err)
	}
	defer rows.Close()

	var out []scope.Principal
	for rows.Next() {
		var p scope.Principal
		if err := rows.Scan(&p.UserID, &p.TenantID); err != nil {
			return nil, fmt.Errorf("scanning principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                 Record
		issuedAt, expiresAt, lastValidated  string
		revoked                             int
	)
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.TenantID, &rec.ScopeVersionAtIssue,
		&rec.RefreshTokenHash, &issuedAt, &expiresAt, &lastValidated,
		&revoked, &rec.RevokedReason)
	if err != nil {
		return nil, err
	}

	rec.Revoked = revoked != 0
	if rec.IssuedAt, err = time.Parse(time.RFC3339, issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if rec.LastValidatedAt, err = time.Parse(time.RFC3339, lastValidated); err != nil {
		return nil, fmt.Errorf("parsing last_validated_at: %w", err)
	}
	return &rec, nil
}
