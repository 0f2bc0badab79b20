package notify

import (
	"time"

	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// Message types sent to websocket clients. Clients acknowledge
// scope_changed deliveries with an ack carrying the event ID.
const (
	TypeConnectionEstablished = "connection_established"
	TypeScopeChanged          = "scope_changed"
	TypeSessionInvalidated    = "session_invalidated"
	TypeResyncRequired        = "resync_required"
	TypeAck                   = "ack"
)

// Message is the wire format for all broker traffic, client-bound and
// client acks alike.
type Message struct {
	Type                string    `json:"type"`
	EventID             int64     `json:"event_id,omitempty"`
	UserID              string    `json:"user_id,omitempty"`
	TenantID            string    `json:"tenant_id,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	OldVersion          int64     `json:"old_version,omitempty"`
	NewVersion          int64     `json:"new_version,omitempty"`
	ChangedCapabilities []string  `json:"changed_capabilities,omitempty"`
	ChangedRoles        []string  `json:"changed_roles,omitempty"`
	ChangeType          string    `json:"change_type,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	Timestamp           time.Time `json:"timestamp,omitempty"`
}

// scopeChangedMessage flattens a change event into its wire form.
// Added and removed entries share one list; the client re-reads its
// effective scope rather than patching deltas.
func scopeChangedMessage(event *scope.ChangeEvent) *Message {
	caps := make([]string, 0, len(event.AddedCapabilities)+len(event.RemovedCapabilities))
	caps = append(caps, event.AddedCapabilities...)
	caps = append(caps, event.RemovedCapabilities...)

	roles := make([]string, 0, len(event.AddedRoles)+len(event.RemovedRoles))
	roles = append(roles, event.AddedRoles...)
	roles = append(roles, event.RemovedRoles...)

	return &Message{
		Type:                TypeScopeChanged,
		EventID:             event.ID,
		UserID:              event.UserID,
		TenantID:            event.TenantID,
		OldVersion:          event.OldVersion,
		NewVersion:          event.NewVersion,
		ChangedCapabilities: caps,
		ChangedRoles:        roles,
		ChangeType:          string(event.ChangeType),
		Timestamp:           event.CreatedAt,
	}
}

// critical reports whether a message must never be silently dropped.
// Overflowing a client's queue with one of these closes the
// connection instead, so the client reconnects and replays.
func critical(msg *Message) bool {
	return msg.Type == TypeScopeChanged || msg.Type == TypeSessionInvalidated
}
