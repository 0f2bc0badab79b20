package mqtt

import "fmt"

// Topic prefixes. External systems (identity providers, admin tooling)
// publish triggers under gatekeep/trigger; the service publishes
// outcomes under gatekeep/event.
const (
	// TopicPrefix is the base for all topics.
	TopicPrefix = "gatekeep"

	// TopicPrefixTrigger is the base for inbound trigger topics.
	TopicPrefixTrigger = "gatekeep/trigger"

	// TopicPrefixEvent is the base for outbound event topics.
	TopicPrefixEvent = "gatekeep/event"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "gatekeep/system"
)

// Topics provides builders for the MQTT topic hierarchy. Using these
// helpers keeps topic naming consistent across publishers and
// subscribers.
type Topics struct{}

// ScopeRecomputeTrigger returns the topic external systems publish to
// when a principal's memberships changed out of band.
//
// Example: gatekeep/trigger/scope/recompute
func (Topics) ScopeRecomputeTrigger() string {
	return TopicPrefixTrigger + "/scope/recompute"
}

// AllScopeTriggers returns the wildcard pattern covering every scope
// trigger topic.
func (Topics) AllScopeTriggers() string {
	return TopicPrefixTrigger + "/scope/#"
}

// ScopeEvent returns the topic scope change events are published on.
//
// Example: gatekeep/event/scope/alice/acme
func (Topics) ScopeEvent(userID, tenantID string) string {
	return fmt.Sprintf("%s/scope/%s/%s", TopicPrefixEvent, userID, tenantID)
}

// SessionEvent returns the topic session invalidation events are
// published on.
//
// Example: gatekeep/event/session/alice/acme
func (Topics) SessionEvent(userID, tenantID string) string {
	return fmt.Sprintf("%s/session/%s/%s", TopicPrefixEvent, userID, tenantID)
}

// SystemStatus returns the service online/offline status topic.
//
// Example: gatekeep/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
