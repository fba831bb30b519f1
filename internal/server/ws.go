package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quckapp/presence/internal/events"
	"github.com/quckapp/presence/internal/gatekeeper"
	"github.com/quckapp/presence/internal/presence"
)

const (
	// pingPeriod is how often server pings are sent. Must be less than
	// pongWait.
	pingPeriod = 30 * time.Second

	// pongWait is how long to wait for a pong before dropping the connection.
	pongWait = 60 * time.Second

	// writeWait is the write deadline for outbound frames.
	writeWait = 10 * time.Second

	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP surface is internal; origin policy is enforced at the edge.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// clientMessage is an inbound frame from a realtime connection.
type clientMessage struct {
	Type   string `json:"type"`             // "status", "ping", or "logout"
	Status string `json:"status,omitempty"` // for "status": "online" or "away"
}

// handleRealtime handles GET /v1/realtime: authenticates the JWT from the
// token query parameter, upgrades to a websocket, and registers the
// connection with the presence registry for its lifetime.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		// Also accept the standard header for non-browser clients.
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}

	handle, err := s.gate.Accept(token, q["watch"])
	if err != nil {
		if errors.Is(err, gatekeeper.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("websocket upgrade failed", "user", handle.UserID, "error", err)
		return
	}

	s.reg.Connect(handle.UserID)
	client := s.hub.subscribe(handle.Scope)

	slog.Info("realtime connection opened",
		"user", handle.UserID,
		"session", handle.SessionID,
		"watching", len(handle.Scope),
	)

	done := make(chan struct{})
	go s.writePump(conn, client, done)
	s.readPump(conn, handle)

	close(done)
	s.hub.unsubscribe(client)
	s.reg.Disconnect(handle.UserID)
	_ = conn.Close()

	slog.Info("realtime connection closed", "user", handle.UserID, "session", handle.SessionID)
}

// readPump consumes inbound frames until the connection drops. It owns all
// reads on the connection.
func (s *Server) readPump(conn *websocket.Conn, handle *gatekeeper.Handle) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.reg.Touch(handle.UserID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("realtime read error", "user", handle.UserID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("dropping malformed realtime frame", "user", handle.UserID, "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			s.reg.Touch(handle.UserID)
		case "status":
			st := presence.Status(msg.Status)
			if !st.Valid() || st == presence.StatusOffline {
				slog.Debug("rejecting status request", "user", handle.UserID, "status", msg.Status)
				continue
			}
			s.reg.Apply(events.PresenceEvent{
				Type:          events.TypeStatusUpdate,
				UserID:        handle.UserID,
				Status:        msg.Status,
				Timestamp:     time.Now().UTC(),
				SourceNodeID:  s.nodeID,
				CorrelationID: events.NewCorrelationID(),
			}, presence.OriginLocal)
		case "logout":
			s.reg.Apply(events.PresenceEvent{
				Type:          events.TypeForceOffline,
				UserID:        handle.UserID,
				Status:        string(presence.StatusOffline),
				Timestamp:     time.Now().UTC(),
				SourceNodeID:  s.nodeID,
				CorrelationID: events.NewCorrelationID(),
			}, presence.OriginLocal)
			return
		default:
			slog.Debug("ignoring unknown realtime frame", "user", handle.UserID, "type", msg.Type)
		}
	}
}

// writePump delivers hub events and periodic pings. It owns all writes on
// the connection.
func (s *Server) writePump(conn *websocket.Conn, client *hubClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt := <-client.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.Data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
