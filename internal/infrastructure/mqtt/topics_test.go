package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		got  string
		want string
	}{
		{topics.ScopeRecomputeTrigger(), "gatekeep/trigger/scope/recompute"},
		{topics.AllScopeTriggers(), "gatekeep/trigger/scope/#"},
		{topics.ScopeEvent("alice", "acme"), "gatekeep/event/scope/alice/acme"},
		{topics.SessionEvent("alice", "acme"), "gatekeep/event/session/alice/acme"},
		{topics.SystemStatus(), "gatekeep/system/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{}

	if err := c.Publish("", []byte("x"), 1, false); err != ErrInvalidTopic {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("gatekeep/system/status", []byte("x"), 3, false); err != ErrInvalidQoS {
		t.Errorf("bad QoS error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Subscribe("", 1, func(string, []byte) error { return nil }); err != ErrInvalidTopic {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("gatekeep/trigger/scope/#", 1, nil); err == nil {
		t.Error("nil handler should be rejected")
	}
}
