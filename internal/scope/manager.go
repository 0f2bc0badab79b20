package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
)

// maxRecomputeRetries bounds the compare-and-swap retry loop. Each
// retry re-reads the current version and snapshot, so a lost race
// converges quickly.
const maxRecomputeRetries = 5

// Manager owns the scope version lifecycle: it recomputes effective
// scopes from membership data, advances versions through the
// repository's compare-and-swap, and fans committed change events out
// to registered notifiers.
type Manager struct {
	versions  *VersionRepository
	events    *EventLog
	snapshots SnapshotStore
	log       *logging.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewManager wires a manager over its stores.
func NewManager(versions *VersionRepository, events *EventLog, snapshots SnapshotStore, log *logging.Logger) *Manager {
	return &Manager{
		versions:  versions,
		events:    events,
		snapshots: snapshots,
		log:       log.With("component", "scope_manager"),
	}
}

// AddNotifier registers a consumer of committed change events.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Events exposes the change event log.
func (m *Manager) Events() *EventLog {
	return m.events
}

// GetVersion returns the current version number for a principal,
// initializing a baseline if none exists.
func (m *Manager) GetVersion(ctx context.Context, userID, tenantID string) (int64, error) {
	v, err := m.Current(ctx, userID, tenantID)
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// Current returns the full version record for a principal, lazily
// computing a baseline on first access.
func (m *Manager) Current(ctx context.Context, userID, tenantID string) (*Version, error) {
	v, err := m.versions.Get(ctx, userID, tenantID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}
	v, _, err = m.Recompute(ctx, userID, tenantID)
	return v, err
}

// Recompute re-derives a principal's effective scope from membership
// data and advances the version if it changed. Returns the resulting
// version and, when an advance happened, the committed change event.
// A no-op recompute (checksum unchanged) returns the existing version
// and a nil event.
func (m *Manager) Recompute(ctx context.Context, userID, tenantID string) (*Version, *ChangeEvent, error) {
	for attempt := 1; attempt <= maxRecomputeRetries; attempt++ {
		snap, err := m.snapshots.EffectiveScope(ctx, userID, tenantID)
		if err != nil {
			return nil, nil, fmt.Errorf("computing snapshot: %w", err)
		}

		current, err := m.versions.Get(ctx, userID, tenantID)
		if errors.Is(err, ErrNotInitialized) {
			v, err := m.versions.CreateBaseline(ctx, userID, tenantID, snap)
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			m.log.Info("scope baseline created",
				"user_id", userID, "tenant_id", tenantID)
			return v, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}

		if Checksum(snap.Capabilities, snap.Roles) == current.Checksum {
			return current, nil, nil
		}

		event := diffEvent(current, snap)
		next, err := m.versions.Advance(ctx, current, snap, event)
		if errors.Is(err, ErrVersionConflict) {
			m.log.Debug("recompute lost version race, retrying",
				"user_id", userID, "tenant_id", tenantID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		m.log.Info("scope version advanced",
			"user_id", userID, "tenant_id", tenantID,
			"old_version", event.OldVersion, "new_version", event.NewVersion,
			"change_type", string(event.ChangeType))
		m.dispatch(ctx, event)
		return next, event, nil
	}
	return nil, nil, fmt.Errorf("recompute for %s/%s gave up after %d attempts: %w",
		userID, tenantID, maxRecomputeRetries, ErrVersionConflict)
}

// Dispatch delivers an event to every registered notifier and marks it
// processed once all of them accept it. Used both for fresh events and
// for reconciler retries of undelivered ones.
func (m *Manager) Dispatch(ctx context.Context, event *ChangeEvent) {
	m.dispatch(ctx, event)
}

func (m *Manager) dispatch(ctx context.Context, event *ChangeEvent) {
	m.mu.RLock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.RUnlock()

	delivered := true
	for _, n := range notifiers {
		if err := n.NotifyScopeChanged(ctx, event); err != nil {
			delivered = false
			m.log.Warn("event delivery failed",
				"event_id", event.ID, "user_id", event.UserID,
				"tenant_id", event.TenantID, "error", err)
		}
	}
	if !delivered {
		return
	}
	if err := m.events.MarkProcessed(ctx, event.ID); err != nil {
		m.log.Warn("marking event processed failed",
			"event_id", event.ID, "error", err)
	}
}

// diffEvent builds the change event describing the transition from
// the current version to the new snapshot.
func diffEvent(current *Version, snap *Snapshot) *ChangeEvent {
	newCaps := normalize(snap.Capabilities)
	newRoles := normalize(snap.Roles)

	event := &ChangeEvent{
		AddedCapabilities:   diff(newCaps, current.Capabilities),
		RemovedCapabilities: diff(current.Capabilities, newCaps),
		AddedRoles:          diff(newRoles, current.Roles),
		RemovedRoles:        diff(current.Roles, newRoles),
	}
	event.ChangeType = classify(event)
	return event
}

// diff returns the elements of a not present in b.
func diff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, item := range b {
		inB[item] = struct{}{}
	}
	out := make([]string, 0)
	for _, item := range a {
		if _, ok := inB[item]; !ok {
			out = append(out, item)
		}
	}
	return out
}

// classify maps a diff onto a change type. Role deltas dominate since
// capability deltas follow from them; pure capability changes come
// from direct grants.
func classify(event *ChangeEvent) ChangeType {
	rolesAdded := len(event.AddedRoles) > 0
	rolesRemoved := len(event.RemovedRoles) > 0
	capsAdded := len(event.AddedCapabilities) > 0
	capsRemoved := len(event.RemovedCapabilities) > 0

	switch {
	case rolesAdded && rolesRemoved:
		return ChangeMixed
	case rolesAdded:
		return ChangeRoleAdded
	case rolesRemoved:
		return ChangeRoleRemoved
	case capsAdded && capsRemoved:
		return ChangeMixed
	case capsAdded:
		return ChangeCapabilityAdded
	case capsRemoved:
		return ChangeCapabilityRemoved
	default:
		return ChangeMixed
	}
}
