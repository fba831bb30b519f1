package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/quckapp/presence/internal/events"
	"github.com/quckapp/presence/internal/gatekeeper"
	"github.com/quckapp/presence/internal/presence"
)

func realtimeToken(t *testing.T, sub string) string {
	t.Helper()
	claims := gatekeeper.Claims{
		Sub:       sub,
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "quckapp-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func dialRealtime(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.NewHTTPHandler(""))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v (resp: %+v)", wsURL, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, reg *presence.Registry, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.LocalConnections(userID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connections, have %d", want, reg.LocalConnections(userID))
}

func TestRealtime_ConnectRegistersPresence(t *testing.T) {
	srv, reg := newTestServer(t)

	dialRealtime(t, srv, "token="+realtimeToken(t, "alice"))

	waitForConnections(t, reg, "alice", 1)
	st, _, _ := reg.GetStatus("alice")
	if st != presence.StatusOnline {
		t.Errorf("expected online after websocket attach, got %s", st)
	}
}

func TestRealtime_CloseDeregistersConnection(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialRealtime(t, srv, "token="+realtimeToken(t, "alice"))
	waitForConnections(t, reg, "alice", 1)

	conn.Close()
	waitForConnections(t, reg, "alice", 0)
}

func TestRealtime_StatusFrameSetsAway(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialRealtime(t, srv, "token="+realtimeToken(t, "alice"))
	waitForConnections(t, reg, "alice", 1)

	if err := conn.WriteJSON(clientMessage{Type: "status", Status: "away"}); err != nil {
		t.Fatalf("writing status frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _, _ := reg.GetStatus("alice"); st == presence.StatusAway {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _, _ := reg.GetStatus("alice")
	t.Fatalf("expected away, still %s", st)
}

func TestRealtime_ReceivesWatchedUserEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialRealtime(t, srv, "token="+realtimeToken(t, "alice")+"&watch=bob")

	// Give the connection time to be wired into the hub.
	time.Sleep(50 * time.Millisecond)
	srv.Broadcast(presenceEvent("bob", "online"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading event: %v", err)
		}
		var ev events.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshaling: %v", err)
		}
		if ev.UserID == "alice" {
			// Our own connect announcement; keep reading.
			continue
		}
		if ev.UserID != "bob" || ev.Status != "online" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		return
	}
}

func TestRealtime_LogoutForcesOffline(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialRealtime(t, srv, "token="+realtimeToken(t, "alice"))
	waitForConnections(t, reg, "alice", 1)

	if err := conn.WriteJSON(clientMessage{Type: "logout"}); err != nil {
		t.Fatalf("writing logout frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _, _ := reg.GetStatus("alice")
		if st == presence.StatusOffline && reg.LocalConnections("alice") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _, _ := reg.GetStatus("alice")
	t.Fatalf("expected offline after logout, still %s with %d connections",
		st, reg.LocalConnections("alice"))
}
