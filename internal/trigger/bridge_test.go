package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

type fakeRecomputer struct {
	calls []string
	err   error
}

func (f *fakeRecomputer) Recompute(_ context.Context, userID, tenantID string) (*scope.Version, *scope.ChangeEvent, error) {
	f.calls = append(f.calls, userID+"/"+tenantID)
	if f.err != nil {
		return nil, nil, f.err
	}
	return &scope.Version{UserID: userID, TenantID: tenantID, Version: 2},
		&scope.ChangeEvent{UserID: userID, TenantID: tenantID, NewVersion: 2}, nil
}

func newTestBridge(scopes Recomputer) *Bridge {
	return New(nil, scopes, 1, logging.Default())
}

func TestHandleRecompute_ValidTrigger(t *testing.T) {
	scopes := &fakeRecomputer{}
	bridge := newTestBridge(scopes)

	payload := []byte(`{"user_id":"alice","tenant_id":"acme"}`)
	if err := bridge.handleRecompute("gatekeep/trigger/scope/recompute", payload); err != nil {
		t.Fatalf("handleRecompute: %v", err)
	}
	if len(scopes.calls) != 1 || scopes.calls[0] != "alice/acme" {
		t.Errorf("recompute calls = %v", scopes.calls)
	}
}

func TestHandleRecompute_MalformedPayloadDropped(t *testing.T) {
	scopes := &fakeRecomputer{}
	bridge := newTestBridge(scopes)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"user_id":"alice"}`),
		[]byte(`{"tenant_id":"acme"}`),
	}
	for _, payload := range cases {
		if err := bridge.handleRecompute("gatekeep/trigger/scope/recompute", payload); err != nil {
			t.Errorf("payload %q should be dropped silently, got %v", payload, err)
		}
	}
	if len(scopes.calls) != 0 {
		t.Errorf("malformed payloads triggered recomputes: %v", scopes.calls)
	}
}

func TestHandleRecompute_RecomputeErrorSurfaces(t *testing.T) {
	scopes := &fakeRecomputer{err: errors.New("store down")}
	bridge := newTestBridge(scopes)

	payload := []byte(`{"user_id":"alice","tenant_id":"acme"}`)
	if err := bridge.handleRecompute("gatekeep/trigger/scope/recompute", payload); err == nil {
		t.Error("recompute failure should surface to the handler wrapper for logging")
	}
}
