// Package notify pushes scope change and session invalidation
// messages to connected websocket clients.
//
// Delivery is at-least-once: every client queue is bounded and a
// critical message that cannot be queued closes the connection, so
// the client reconnects and replays from its last acknowledged event.
// Clients that fall behind the retained event history are told to
// resync their full scope instead.
package notify
