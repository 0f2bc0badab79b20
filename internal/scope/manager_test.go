package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRecompute_BaselineStartsAtOne(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")

	v, event := env.recompute(t, "alice", "acme")
	if v.Version != 1 {
		t.Errorf("baseline version = %d, want 1", v.Version)
	}
	if event != nil {
		t.Errorf("baseline should not emit an event, got %+v", event)
	}
	if !contains(v.Capabilities, "chat.completions") {
		t.Errorf("baseline capabilities = %v, missing viewer grant", v.Capabilities)
	}
}

func TestRecompute_NoChangeIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")

	first, _ := env.recompute(t, "alice", "acme")
	second, event := env.recompute(t, "alice", "acme")

	if second.Version != first.Version {
		t.Errorf("no-op recompute advanced version %d -> %d", first.Version, second.Version)
	}
	if event != nil {
		t.Errorf("no-op recompute emitted event %+v", event)
	}

	events, err := env.events.ListForPrincipal(context.Background(), "alice", "acme", 10)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("event log has %d entries after no-op recomputes, want 0", len(events))
	}
}

func TestRecompute_AdvanceEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")
	env.recompute(t, "alice", "acme")

	env.grant(t, "alice", "acme", "member")
	v, event := env.recompute(t, "alice", "acme")

	if v.Version != 2 {
		t.Errorf("version after role change = %d, want 2", v.Version)
	}
	if event == nil {
		t.Fatal("role change should emit an event")
	}
	if event.OldVersion != 1 || event.NewVersion != 2 {
		t.Errorf("event versions = %d -> %d, want 1 -> 2", event.OldVersion, event.NewVersion)
	}
	if event.ChangeType != ChangeMixed {
		// viewer swapped for member: one role added, one removed.
		t.Errorf("change type = %s, want %s", event.ChangeType, ChangeMixed)
	}
	if !contains(event.AddedRoles, "member") || !contains(event.RemovedRoles, "viewer") {
		t.Errorf("event role deltas wrong: added %v removed %v", event.AddedRoles, event.RemovedRoles)
	}
	if v.LastEventID != event.ID {
		t.Errorf("version last_event_id = %d, want event id %d", v.LastEventID, event.ID)
	}
}

func TestRecompute_DirectCapabilityGrant(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")
	env.recompute(t, "alice", "acme")

	env.grant(t, "alice", "acme", "viewer", "billing.read")
	v, event := env.recompute(t, "alice", "acme")

	if event == nil {
		t.Fatal("direct grant should emit an event")
	}
	if event.ChangeType != ChangeCapabilityAdded {
		t.Errorf("change type = %s, want %s", event.ChangeType, ChangeCapabilityAdded)
	}
	if !contains(event.AddedCapabilities, "billing.read") {
		t.Errorf("added capabilities = %v, missing billing.read", event.AddedCapabilities)
	}
	if !contains(v.Capabilities, "billing.read") {
		t.Errorf("version capabilities = %v, missing billing.read", v.Capabilities)
	}
}

func TestRecompute_GlobalTenantMerges(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")
	env.grant(t, "alice", GlobalTenant, "viewer", "support.impersonate")

	v, _ := env.recompute(t, "alice", "acme")
	if !contains(v.Capabilities, "support.impersonate") {
		t.Errorf("capabilities = %v, missing global grant", v.Capabilities)
	}
	if !contains(v.Capabilities, "chat.completions") {
		t.Errorf("capabilities = %v, missing tenant grant", v.Capabilities)
	}
}

func TestRecompute_TenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")
	env.grant(t, "alice", "umbrella", "viewer")
	env.recompute(t, "alice", "acme")
	env.recompute(t, "alice", "umbrella")

	env.grant(t, "alice", "acme", "member")
	env.recompute(t, "alice", "acme")

	acme, err := env.versions.Get(context.Background(), "alice", "acme")
	if err != nil {
		t.Fatalf("getting acme version: %v", err)
	}
	umbrella, err := env.versions.Get(context.Background(), "alice", "umbrella")
	if err != nil {
		t.Fatalf("getting umbrella version: %v", err)
	}

	if acme.Version != 2 {
		t.Errorf("acme version = %d, want 2", acme.Version)
	}
	if umbrella.Version != 1 {
		t.Errorf("umbrella version = %d, want 1 (other tenant must not move)", umbrella.Version)
	}
}

func TestRecompute_DeactivationEmptiesScope(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "member")
	env.recompute(t, "alice", "acme")

	if err := env.memberships.Deactivate(context.Background(), "alice", "acme"); err != nil {
		t.Fatalf("deactivating: %v", err)
	}
	v, event := env.recompute(t, "alice", "acme")

	if len(v.Capabilities) != 0 || len(v.Roles) != 0 {
		t.Errorf("scope after deactivation = caps %v roles %v, want empty", v.Capabilities, v.Roles)
	}
	if event == nil || event.ChangeType != ChangeRoleRemoved {
		t.Errorf("event = %+v, want role_removed", event)
	}
}

func TestRecompute_ConcurrentAdvancesStayGapless(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "alice", "acme", "viewer")
	env.recompute(t, "alice", "acme")

	// Alternate the membership and recompute from several goroutines.
	// Every observed version must be distinct and the final sequence
	// of events gapless.
	roles := []string{"member", "viewer", "member", "viewer", "member"}
	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			_ = env.memberships.Upsert(context.Background(), &Membership{
				UserID: "alice", TenantID: "acme", Role: role, IsActive: true,
			})
			_, _, _ = env.manager.Recompute(context.Background(), "alice", "acme")
		}(role)
	}
	wg.Wait()

	v, err := env.versions.Get(context.Background(), "alice", "acme")
	if err != nil {
		t.Fatalf("getting final version: %v", err)
	}

	events, err := env.events.ListAfter(context.Background(), "alice", "acme", 0, 100)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if int64(len(events))+1 != v.Version {
		t.Errorf("final version %d with %d events, want version = events+1", v.Version, len(events))
	}
	for i, event := range events {
		if event.NewVersion != int64(i)+2 {
			t.Errorf("event %d has new_version %d, want %d (gapless sequence)", i, event.NewVersion, i+2)
		}
		if event.OldVersion != event.NewVersion-1 {
			t.Errorf("event %d skips from %d to %d", i, event.OldVersion, event.NewVersion)
		}
	}
}

func TestCurrent_LazyBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "bob", "acme", "viewer")

	v, err := env.manager.Current(context.Background(), "bob", "acme")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("lazy baseline version = %d, want 1", v.Version)
	}

	n, err := env.manager.GetVersion(context.Background(), "bob", "acme")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if n != 1 {
		t.Errorf("GetVersion = %d, want 1", n)
	}
}

func TestVersionRepository_GetUninitialized(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.versions.Get(context.Background(), "ghost", "acme")
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Get for unknown principal = %v, want ErrNotInitialized", err)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*ChangeEvent
	fail   bool
}

func (n *recordingNotifier) NotifyScopeChanged(_ context.Context, event *ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("delivery refused")
	}
	n.events = append(n.events, event)
	return nil
}

func TestManager_NotifierReceivesAndMarksProcessed(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{}
	env.manager.AddNotifier(notifier)

	env.grant(t, "alice", "acme", "viewer")
	env.recompute(t, "alice", "acme")
	env.grant(t, "alice", "acme", "member")
	_, event := env.recompute(t, "alice", "acme")

	notifier.mu.Lock()
	got := len(notifier.events)
	notifier.mu.Unlock()
	if got != 1 {
		t.Fatalf("notifier received %d events, want 1", got)
	}

	stored, err := env.events.Get(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("fetching event: %v", err)
	}
	if !stored.Processed {
		t.Error("event should be marked processed after successful delivery")
	}
}

func TestManager_FailedDeliveryLeavesUnprocessed(t *testing.T) {
	env := newTestEnv(t)
	env.manager.AddNotifier(&recordingNotifier{fail: true})

	env.grant(t, "alice", "acme", "viewer")
	env.recompute(t, "alice", "acme")
	env.grant(t, "alice", "acme", "member")
	_, event := env.recompute(t, "alice", "acme")

	stored, err := env.events.Get(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("fetching event: %v", err)
	}
	if stored.Processed {
		t.Error("event must stay unprocessed when a notifier rejects it")
	}

	unprocessed, err := env.events.ListUnprocessed(context.Background(), 10)
	if err != nil {
		t.Fatalf("listing unprocessed: %v", err)
	}
	if len(unprocessed) != 1 || unprocessed[0].ID != event.ID {
		t.Errorf("unprocessed events = %+v, want exactly the rejected one", unprocessed)
	}
}

func TestChecksum_OrderInsensitive(t *testing.T) {
	a := Checksum([]string{"b", "a", "a"}, []string{"x"})
	b := Checksum([]string{"a", "b"}, []string{"x"})
	if a != b {
		t.Error("checksum should ignore order and duplicates")
	}
	if a == Checksum([]string{"a"}, []string{"x"}) {
		t.Error("different capability sets must produce different checksums")
	}
	if Checksum([]string{"a"}, nil) == Checksum(nil, []string{"a"}) {
		t.Error("capability and role lists must not be interchangeable")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event ChangeEvent
		want  ChangeType
	}{
		{"role added", ChangeEvent{AddedRoles: []string{"member"}, AddedCapabilities: []string{"chat.*"}}, ChangeRoleAdded},
		{"role removed", ChangeEvent{RemovedRoles: []string{"member"}, RemovedCapabilities: []string{"chat.*"}}, ChangeRoleRemoved},
		{"role swap", ChangeEvent{AddedRoles: []string{"member"}, RemovedRoles: []string{"viewer"}}, ChangeMixed},
		{"cap added", ChangeEvent{AddedCapabilities: []string{"billing.read"}}, ChangeCapabilityAdded},
		{"cap removed", ChangeEvent{RemovedCapabilities: []string{"billing.read"}}, ChangeCapabilityRemoved},
		{"cap swap", ChangeEvent{AddedCapabilities: []string{"a"}, RemovedCapabilities: []string{"b"}}, ChangeMixed},
	}
	for _, tt := range tests {
		if got := classify(&tt.event); got != tt.want {
			t.Errorf("%s: classify = %s, want %s", tt.name, got, tt.want)
		}
	}
}
