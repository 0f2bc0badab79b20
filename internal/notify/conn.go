package notify

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
)

// wsConn is the subset of *websocket.Conn the pumps use. Kept as an
// interface so broker behavior can be tested without a live socket.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one subscribed websocket client. It carries the principal
// and session it authenticated as and tracks the last event ID the
// client has confirmed, which drives replay on reconnect.
type Conn struct {
	id        string
	userID    string
	tenantID  string
	sessionID string

	ws   wsConn
	send chan *Message
	done chan struct{}

	// Live events that arrive while reconnect replay is still running
	// are parked here and merged in afterwards, so the client always
	// sees event IDs in non-decreasing order.
	pendingMu  sync.Mutex
	catchingUp bool
	pending    []*Message

	lastDelivered atomic.Int64
	pumpActive    atomic.Bool
	registeredAt  time.Time
	closeOnce     sync.Once
	log           *logging.Logger
}

// NewConn wraps an upgraded websocket for a principal. lastDelivered
// is the event ID the client reported on connect, zero for a fresh
// client.
func NewConn(ws wsConn, id, userID, tenantID, sessionID string, lastDelivered int64, bufferSize int, log *logging.Logger) *Conn {
	c := &Conn{
		id:           id,
		userID:       userID,
		tenantID:     tenantID,
		sessionID:    sessionID,
		ws:           ws,
		send:         make(chan *Message, bufferSize),
		done:         make(chan struct{}),
		registeredAt: time.Now(),
		log:          log.With("component", "ws_conn", "conn_id", id),
	}
	c.lastDelivered.Store(lastDelivered)
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// SessionID returns the session this connection authenticated with.
func (c *Conn) SessionID() string { return c.sessionID }

// LastDelivered returns the highest event ID the client has confirmed.
func (c *Conn) LastDelivered() int64 { return c.lastDelivered.Load() }

// Enqueue offers a message to the connection without blocking.
// Returns false if the client's queue is full.
func (c *Conn) Enqueue(msg *Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// beginCatchUp marks the connection as replaying. Live deliveries are
// buffered until finishCatchUp runs.
func (c *Conn) beginCatchUp() {
	c.pendingMu.Lock()
	c.catchingUp = true
	c.pendingMu.Unlock()
}

// bufferIfCatchingUp parks a live message while replay is in progress.
// Returns false when the connection is open to direct delivery.
func (c *Conn) bufferIfCatchingUp(msg *Message) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if !c.catchingUp {
		return false
	}
	c.pending = append(c.pending, msg)
	return true
}

// finishCatchUp merges buffered live messages behind the replayed
// history, skipping any the replay already covered, and opens the
// connection to direct fan-out. Returns false on queue overflow.
func (c *Conn) finishCatchUp(replayedTo int64) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.catchingUp = false
	pending := c.pending
	c.pending = nil

	sort.Slice(pending, func(i, j int) bool { return pending[i].EventID < pending[j].EventID })
	for _, msg := range pending {
		if msg.EventID <= replayedTo {
			continue
		}
		if !c.Enqueue(msg) {
			return false
		}
	}
	return true
}

// Close shuts the connection down. Safe to call more than once. When a
// write pump is running, the underlying socket stays open until the
// pump has delivered whatever critical messages are still queued.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.pumpActive.Load() {
			c.ws.Close()
		}
	})
}

// run starts the read and write pumps and blocks until the read pump
// exits. The caller unregisters the connection afterwards.
func (c *Conn) run(heartbeat, pongWait time.Duration) {
	c.pumpActive.Store(true)
	go c.writePump(heartbeat)
	c.readPump(heartbeat + pongWait)
}

// readPump consumes client frames: acks advance the delivered cursor,
// pongs extend the read deadline. Exits on any read error.
func (c *Conn) readPump(readWait time.Duration) {
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("discarding malformed client frame", "error", err)
			continue
		}
		if msg.Type == TypeAck && msg.EventID > c.lastDelivered.Load() {
			c.lastDelivered.Store(msg.EventID)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns the socket teardown: on shutdown it first flushes
// queued critical messages, so an invalidation enqueued just before
// Close still reaches the client.
func (c *Conn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flushCritical()
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flushCritical writes the scope_changed and session_invalidated
// messages still queued when the connection is told to close. The
// select in writePump may take the done branch with such a message
// pending; losing it would leave the client unaware its scope or
// session changed.
func (c *Conn) flushCritical() {
	for {
		select {
		case msg := <-c.send:
			if !critical(msg) {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("flush on close failed", "error", err)
				return
			}
		default:
			return
		}
	}
}
