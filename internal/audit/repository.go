// Package audit provides paginated query access to the scope change
// ledger. The scope_change_events table is append-only and doubles as
// the system's audit trail; this package is the read side used by
// operators investigating who gained or lost what, and when.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
)

// Entry is one audit trail record: a committed scope transition.
type Entry struct {
	ID                  int64     `json:"id"`
	UserID              string    `json:"user_id"`
	TenantID            string    `json:"tenant_id"`
	OldVersion          int64     `json:"old_version"`
	NewVersion          int64     `json:"new_version"`
	AddedCapabilities   []string  `json:"added_capabilities"`
	RemovedCapabilities []string  `json:"removed_capabilities"`
	AddedRoles          []string  `json:"added_roles"`
	RemovedRoles        []string  `json:"removed_roles"`
	ChangeType          string    `json:"change_type"`
	CreatedAt           time.Time `json:"created_at"`
}

// Filter controls which entries to return.
type Filter struct {
	UserID     string    // optional: filter by user
	TenantID   string    // optional: filter by tenant
	ChangeType string    // optional: filter by change type (role_added, mixed, ...)
	Since      time.Time // optional: entries at or after this time
	Limit      int       // default 50, max 200
	Offset     int       // pagination offset
}

// ListResult contains the paginated results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for audit queries.
type Repository interface {
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository reads the audit trail from SQLite.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ChangeType != "" {
		conditions = append(conditions, "change_type = ?")
		args = append(args, filter.ChangeType)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Get total count.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM scope_change_events %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	// Get paginated results.
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, user_id, tenant_id, old_version, new_version,
			added_capabilities, removed_capabilities, added_roles, removed_roles,
			change_type, created_at
		 FROM scope_change_events %s ORDER BY id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var entry Entry
	var addedCaps, removedCaps, addedRoles, removedRoles, createdAt string

	if err := rows.Scan(&entry.ID, &entry.UserID, &entry.TenantID,
		&entry.OldVersion, &entry.NewVersion,
		&addedCaps, &removedCaps, &addedRoles, &removedRoles,
		&entry.ChangeType, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	if err := json.Unmarshal([]byte(addedCaps), &entry.AddedCapabilities); err != nil {
		return nil, fmt.Errorf("decoding added capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(removedCaps), &entry.RemovedCapabilities); err != nil {
		return nil, fmt.Errorf("decoding removed capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(addedRoles), &entry.AddedRoles); err != nil {
		return nil, fmt.Errorf("decoding added roles: %w", err)
	}
	if err := json.Unmarshal([]byte(removedRoles), &entry.RemovedRoles); err != nil {
		return nil, fmt.Errorf("decoding removed roles: %w", err)
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing audit entry timestamp %q: %w", createdAt, err)
	}
	entry.CreatedAt = t

	return &entry, nil
}
