package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
)

// replayLimit bounds how many retained events are replayed to one
// reconnecting client before it is told to resync instead.
const replayLimit = 200

// Broker fans scope change and invalidation messages out to connected
// websocket clients. Connections are grouped by user; tenant filtering
// happens at delivery time since a user may hold sessions in several
// tenants.
type Broker struct {
	events *scope.EventLog
	cfg    config.WebSocketConfig
	log    *logging.Logger

	mu    sync.RWMutex
	conns map[string][]*Conn
}

// NewBroker creates a broker over the event log.
func NewBroker(events *scope.EventLog, cfg config.WebSocketConfig, log *logging.Logger) *Broker {
	return &Broker{
		events: events,
		cfg:    cfg,
		log:    log.With("component", "notify_broker"),
	}
}

// errQueueOverflow marks a client whose queue could not take its
// replayed history.
var errQueueOverflow = errors.New("client queue overflow during replay")

// Register adds a connection and catches it up. A client reporting a
// last delivered event ID gets the retained events it missed replayed
// in order; if the log no longer retains them all, it gets a resync
// instruction instead. Exceeding the per-principal connection limit
// evicts the oldest connection.
//
// The connection becomes visible to live fan-out immediately, but
// events arriving during the replay are buffered on the connection and
// merged in behind the replayed history, keeping delivery in
// non-decreasing event-id order.
func (b *Broker) Register(ctx context.Context, c *Conn) error {
	c.beginCatchUp()

	b.mu.Lock()
	if b.conns == nil {
		b.conns = make(map[string][]*Conn)
	}
	list := b.conns[c.userID]

	var samePrincipal int
	for _, other := range list {
		if other.tenantID == c.tenantID {
			samePrincipal++
		}
	}
	if b.cfg.MaxConnectionsPerPrincipal > 0 && samePrincipal >= b.cfg.MaxConnectionsPerPrincipal {
		for i, other := range list {
			if other.tenantID == c.tenantID {
				b.log.Info("evicting oldest connection",
					"user_id", c.userID, "tenant_id", c.tenantID, "conn_id", other.id)
				b.conns[c.userID] = append(list[:i:i], list[i+1:]...)
				other.Close()
				break
			}
		}
		list = b.conns[c.userID]
	}
	b.conns[c.userID] = append(list, c)
	b.mu.Unlock()

	c.Enqueue(&Message{
		Type:      TypeConnectionEstablished,
		UserID:    c.userID,
		TenantID:  c.tenantID,
		Timestamp: time.Now().UTC(),
	})

	replayedTo, err := b.catchUp(ctx, c)
	if errors.Is(err, errQueueOverflow) {
		b.log.Warn("queue overflow during replay, closing connection",
			"conn_id", c.id, "user_id", c.userID)
		b.drop(c)
		return nil
	}
	if err != nil {
		return fmt.Errorf("catching up connection %s: %w", c.id, err)
	}
	if !c.finishCatchUp(replayedTo) {
		b.log.Warn("queue overflow merging live events, closing connection",
			"conn_id", c.id, "user_id", c.userID)
		b.drop(c)
	}
	return nil
}

// catchUp replays missed events or requests a resync when the
// retained history no longer reaches back far enough. Returns the
// highest event ID the replay covered, so buffered live events below
// it can be discarded as duplicates.
func (b *Broker) catchUp(ctx context.Context, c *Conn) (int64, error) {
	last := c.LastDelivered()
	if last == 0 {
		return 0, nil
	}

	oldest, err := b.events.OldestID(ctx, c.userID, c.tenantID)
	if err != nil {
		return 0, err
	}
	if oldest > last+1 {
		c.Enqueue(&Message{
			Type:      TypeResyncRequired,
			UserID:    c.userID,
			TenantID:  c.tenantID,
			Reason:    "replay_gap",
			Timestamp: time.Now().UTC(),
		})
		// The client refetches its full state; anything buffered
		// meanwhile is superseded.
		return math.MaxInt64, nil
	}

	missed, err := b.events.ListAfter(ctx, c.userID, c.tenantID, last, replayLimit)
	if err != nil {
		return 0, err
	}
	replayedTo := last
	for _, event := range missed {
		if !c.Enqueue(scopeChangedMessage(event)) {
			return 0, errQueueOverflow
		}
		replayedTo = event.ID
	}
	return replayedTo, nil
}

// Unregister removes a connection from the broker. The connection
// itself is not closed; pumps call this on the way out.
func (b *Broker) Unregister(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.conns[c.userID]
	for i, other := range list {
		if other == c {
			b.conns[c.userID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.conns[c.userID]) == 0 {
		delete(b.conns, c.userID)
	}
}

// Serve registers the connection, runs its pumps until the client
// goes away, then unregisters it.
func (b *Broker) Serve(ctx context.Context, c *Conn) error {
	if err := b.Register(ctx, c); err != nil {
		b.drop(c)
		return err
	}
	c.run(b.cfg.GetHeartbeatInterval(), b.cfg.GetHeartbeatTimeout())
	b.Unregister(c)
	return nil
}

// NotifyScopeChanged delivers a committed change event to every
// connection of the affected principal. A connection whose queue
// cannot take the message is closed so the client reconnects and
// replays; delivery therefore never blocks and never silently drops.
// A nil return means every still-live subscriber has the event
// queued, vacuously so when none are connected.
func (b *Broker) NotifyScopeChanged(ctx context.Context, event *scope.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := scopeChangedMessage(event)
	for _, c := range b.matching(event.UserID, event.TenantID) {
		if c.bufferIfCatchingUp(msg) {
			continue
		}
		if !c.Enqueue(msg) {
			b.log.Warn("queue overflow on critical message, closing connection",
				"conn_id", c.id, "user_id", c.userID, "event_id", event.ID)
			b.drop(c)
		}
	}
	return nil
}

// NotifySessionsInvalidated tells every connection of a principal that
// its sessions were revoked, then closes them. A dead session must not
// keep an authenticated socket.
func (b *Broker) NotifySessionsInvalidated(ctx context.Context, userID, tenantID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &Message{
		Type:      TypeSessionInvalidated,
		UserID:    userID,
		TenantID:  tenantID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	for _, c := range b.matching(userID, tenantID) {
		c.Enqueue(msg)
		b.drop(c)
	}
	return nil
}

// NotifySessionInvalidated informs the connections held open by one
// revoked session, then closes them. Other sessions of the same
// principal keep their connections.
func (b *Broker) NotifySessionInvalidated(ctx context.Context, userID, tenantID, sessionID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &Message{
		Type:      TypeSessionInvalidated,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	for _, c := range b.matching(userID, tenantID) {
		if c.sessionID != sessionID {
			continue
		}
		c.Enqueue(msg)
		b.drop(c)
	}
	return nil
}

// matching snapshots the connections for a principal.
func (b *Broker) matching(userID, tenantID string) []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Conn
	for _, c := range b.conns[userID] {
		if c.tenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// drop closes and unregisters a connection.
func (b *Broker) drop(c *Conn) {
	c.Close()
	b.Unregister(c)
}

// ConnCount returns the number of live connections.
func (b *Broker) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.conns {
		n += len(list)
	}
	return n
}

// CloseAll tears down every connection, used at shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, list := range conns {
		for _, c := range list {
			c.Close()
		}
	}
}
