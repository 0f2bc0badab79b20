package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
)

// EventLog reads and maintains the scope change event history. Events
// are appended inside the same transaction that advances a version,
// so the log never shows a version without its event.
type EventLog struct {
	db *database.DB
}

// NewEventLog creates an event log over the given database.
func NewEventLog(db *database.DB) *EventLog {
	return &EventLog{db: db}
}

// insertEventTx appends an event inside an open transaction and fills
// in its assigned ID and creation time.
func insertEventTx(ctx context.Context, tx *sql.Tx, event *ChangeEvent) error {
	addedCaps, err := json.Marshal(normalize(event.AddedCapabilities))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	removedCaps, err := json.Marshal(normalize(event.RemovedCapabilities))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	addedRoles, err := json.Marshal(normalize(event.AddedRoles))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	removedRoles, err := json.Marshal(normalize(event.RemovedRoles))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	event.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scope_change_events
			(user_id, tenant_id, old_version, new_version,
			 added_capabilities, removed_capabilities, added_roles, removed_roles,
			 change_type, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		event.UserID, event.TenantID, event.OldVersion, event.NewVersion,
		string(addedCaps), string(removedCaps), string(addedRoles), string(removedRoles),
		string(event.ChangeType), event.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	event.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

const eventColumns = `id, user_id, tenant_id, old_version, new_version,
	added_capabilities, removed_capabilities, added_roles, removed_roles,
	change_type, processed, created_at`

// Get returns a single event by ID.
func (l *EventLog) Get(ctx context.Context, id int64) (*ChangeEvent, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM scope_change_events WHERE id = ?", id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, sql.ErrNoRows)
	}
	return event, err
}

// ListAfter returns up to limit events for a principal with IDs
// strictly greater than afterID, oldest first. Used for client replay
// after reconnect.
func (l *EventLog) ListAfter(ctx context.Context, userID, tenantID string, afterID int64, limit int) ([]*ChangeEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM scope_change_events
		WHERE user_id = ? AND tenant_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`,
		userID, tenantID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return collectEvents(rows)
}

// ListForPrincipal returns the most recent events for a principal,
// newest first.
func (l *EventLog) ListForPrincipal(ctx context.Context, userID, tenantID string, limit int) ([]*ChangeEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM scope_change_events
		WHERE user_id = ? AND tenant_id = ?
		ORDER BY id DESC LIMIT ?`,
		userID, tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return collectEvents(rows)
}

// ListUnprocessed returns events not yet confirmed delivered, oldest
// first. The reconciler retries these.
func (l *EventLog) ListUnprocessed(ctx context.Context, limit int) ([]*ChangeEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM scope_change_events
		WHERE processed = 0
		ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed events: %w", err)
	}
	return collectEvents(rows)
}

// MarkProcessed flags events as delivered.
func (l *EventLog) MarkProcessed(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := l.db.ExecContext(ctx,
		"UPDATE scope_change_events SET processed = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("marking events processed: %w", err)
	}
	return nil
}

// OldestID returns the smallest retained event ID for a principal, or
// 0 if no events are retained. Callers compare this against a client's
// last delivered ID to detect replay gaps.
func (l *EventLog) OldestID(ctx context.Context, userID, tenantID string) (int64, error) {
	var id sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		"SELECT MIN(id) FROM scope_change_events WHERE user_id = ? AND tenant_id = ?",
		userID, tenantID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("finding oldest event: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// Prune removes processed events older than maxAge and trims each
// principal's history to the keepCount most recent events. Unprocessed
// events within keepCount are never removed. Returns the number of
// rows deleted.
func (l *EventLog) Prune(ctx context.Context, maxAge time.Duration, keepCount int) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)

	var deleted int64
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM scope_change_events WHERE processed = 1 AND created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning events by age: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}

	res, err = l.db.ExecContext(ctx, `
		DELETE FROM scope_change_events WHERE id IN (
			SELECT id FROM (
				SELECT id, processed,
					ROW_NUMBER() OVER (PARTITION BY user_id, tenant_id ORDER BY id DESC) AS rn
				FROM scope_change_events
			) WHERE rn > ? AND processed = 1
		)`,
		keepCount,
	)
	if err != nil {
		return deleted, fmt.Errorf("pruning events by count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}
	return deleted, nil
}

func collectEvents(rows *sql.Rows) ([]*ChangeEvent, error) {
	defer rows.Close()

	var out []*ChangeEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*ChangeEvent, error) {
	var (
		event                                          ChangeEvent
		addedCaps, removedCaps, addedRoles, removedRoles string
		changeType, createdAt                          string
		processed                                      int
	)
	err := row.Scan(&event.ID, &event.UserID, &event.TenantID,
		&event.OldVersion, &event.NewVersion,
		&addedCaps, &removedCaps, &addedRoles, &removedRoles,
		&changeType, &processed, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(addedCaps), &event.AddedCapabilities); err != nil {
		return nil, fmt.Errorf("decoding added capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(removedCaps), &event.RemovedCapabilities); err != nil {
		return nil, fmt.Errorf("decoding removed capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(addedRoles), &event.AddedRoles); err != nil {
		return nil, fmt.Errorf("decoding added roles: %w", err)
	}
	if err := json.Unmarshal([]byte(removedRoles), &event.RemovedRoles); err != nil {
		return nil, fmt.Errorf("decoding removed roles: %w", err)
	}
	event.ChangeType = ChangeType(changeType)
	event.Processed = processed != 0
	if event.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &event, nil
}
