package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/mqtt"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// Recomputer is the subset of the scope manager the bridge drives.
type Recomputer interface {
	Recompute(ctx context.Context, userID, tenantID string) (*scope.Version, *scope.ChangeEvent, error)
}

// recomputeTrigger is the payload external systems publish when a
// principal's memberships changed outside the HTTP surface.
type recomputeTrigger struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// Bridge connects the scope subsystem to MQTT: inbound recompute
// triggers and outbound scope/session events for machine consumers.
// It registers with the scope manager as a notifier, so committed
// events reach the broker topic tree without extra plumbing.
type Bridge struct {
	client *mqtt.Client
	scopes Recomputer
	topics mqtt.Topics
	qos    byte
	log    *logging.Logger
}

// New creates a bridge over a connected MQTT client.
func New(client *mqtt.Client, scopes Recomputer, qos byte, log *logging.Logger) *Bridge {
	return &Bridge{
		client: client,
		scopes: scopes,
		qos:    qos,
		log:    log.With("component", "trigger_bridge"),
	}
}

// Start subscribes to the trigger topics.
func (b *Bridge) Start() error {
	err := b.client.Subscribe(b.topics.ScopeRecomputeTrigger(), b.qos, b.handleRecompute)
	if err != nil {
		return fmt.Errorf("subscribing to recompute triggers: %w", err)
	}
	b.log.Info("trigger bridge started", "topic", b.topics.ScopeRecomputeTrigger())
	return nil
}

// handleRecompute processes one inbound trigger. Malformed payloads
// are logged and dropped; the broker will not redeliver them anyway.
func (b *Bridge) handleRecompute(topic string, payload []byte) error {
	var trig recomputeTrigger
	if err := json.Unmarshal(payload, &trig); err != nil {
		b.log.Warn("discarding malformed trigger", "topic", topic, "error", err)
		return nil
	}
	if trig.UserID == "" || trig.TenantID == "" {
		b.log.Warn("discarding trigger without principal", "topic", topic)
		return nil
	}

	_, event, err := b.scopes.Recompute(context.Background(), trig.UserID, trig.TenantID)
	if err != nil {
		return fmt.Errorf("recompute via trigger for %s/%s: %w", trig.UserID, trig.TenantID, err)
	}
	if event != nil {
		b.log.Info("trigger advanced scope version",
			"user_id", trig.UserID, "tenant_id", trig.TenantID,
			"new_version", event.NewVersion)
	}
	return nil
}

// NotifyScopeChanged publishes a committed change event. Implements
// scope.Notifier.
func (b *Bridge) NotifyScopeChanged(_ context.Context, event *scope.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding scope event: %w", err)
	}
	topic := b.topics.ScopeEvent(event.UserID, event.TenantID)
	if err := b.client.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing scope event: %w", err)
	}
	return nil
}

// NotifySessionsInvalidated publishes an invalidation broadcast.
// Implements session.InvalidationNotifier.
func (b *Bridge) NotifySessionsInvalidated(_ context.Context, userID, tenantID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"user_id":   userID,
		"tenant_id": tenantID,
		"reason":    reason,
	})
	if err != nil {
		return fmt.Errorf("encoding session event: %w", err)
	}
	topic := b.topics.SessionEvent(userID, tenantID)
	if err := b.client.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing session event: %w", err)
	}
	return nil
}

// NotifySessionInvalidated publishes the revocation of a single
// session. Implements session.InvalidationNotifier.
func (b *Bridge) NotifySessionInvalidated(_ context.Context, userID, tenantID, sessionID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"user_id":    userID,
		"tenant_id":  tenantID,
		"session_id": sessionID,
		"reason":     reason,
	})
	if err != nil {
		return fmt.Errorf("encoding session event: %w", err)
	}
	topic := b.topics.SessionEvent(userID, tenantID)
	if err := b.client.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing session event: %w", err)
	}
	return nil
}

// Stop unsubscribes from trigger topics.
func (b *Bridge) Stop() {
	if err := b.client.Unsubscribe(b.topics.ScopeRecomputeTrigger()); err != nil {
		b.log.Warn("unsubscribing trigger topic failed", "error", err)
	}
}
