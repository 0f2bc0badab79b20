package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mwhitby/gatekeep-core/internal/notify"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket upgrades the HTTP connection and hands it to the
// notification broker. The bearer token already passed the auth
// middleware, so the claims identify the principal; a reconnecting
// client reports the last event ID it saw via the last_event_id query
// parameter and gets the retained events it missed replayed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var lastDelivered int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeBadRequest(w, "last_event_id must be a non-negative integer")
			return
		}
		lastDelivered = n
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed",
			"user_id", claims.Subject, "error", err)
		return
	}

	conn := notify.NewConn(ws, uuid.New().String(),
		claims.Subject, claims.TenantID, claims.SessionID,
		lastDelivered, s.wsCfg.SendBufferSize, s.logger)

	s.logger.Info("websocket connected",
		"conn_id", conn.ID(), "user_id", claims.Subject,
		"tenant_id", claims.TenantID, "last_event_id", lastDelivered)

	if err := s.broker.Serve(r.Context(), conn); err != nil {
		s.logger.Warn("websocket serve ended with error",
			"conn_id", conn.ID(), "error", err)
		return
	}

	s.logger.Debug("websocket disconnected", "conn_id", conn.ID())
}
