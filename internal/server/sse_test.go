package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quckapp/presence/internal/events"
)

func presenceEvent(userID, status string) events.PresenceEvent {
	return events.PresenceEvent{
		Type:          events.TypeConnected,
		UserID:        userID,
		Status:        status,
		Timestamp:     time.Now().UTC(),
		SourceNodeID:  "node-a",
		CorrelationID: events.NewCorrelationID(),
	}
}

func TestHandleEventStream_DeliversBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream", nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	// Give the handler time to register the subscription.
	time.Sleep(50 * time.Millisecond)

	srv.Broadcast(presenceEvent("alice", "online"))

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type=text/event-stream, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event:presence") {
		t.Fatalf("expected event:presence in body, got:\n%s", body)
	}
	if !strings.Contains(body, `"user_id":"alice"`) {
		t.Fatalf("expected alice event in body, got:\n%s", body)
	}
	if !strings.Contains(body, "id:") {
		t.Fatalf("expected id: field in body, got:\n%s", body)
	}
}

func TestHandleEventStream_UserFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream?users=bob", nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)

	srv.Broadcast(presenceEvent("alice", "online"))
	srv.Broadcast(presenceEvent("bob", "online"))

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if strings.Contains(body, `"user_id":"alice"`) {
		t.Fatalf("alice should be filtered out, got:\n%s", body)
	}
	if !strings.Contains(body, `"user_id":"bob"`) {
		t.Fatalf("expected bob event in body, got:\n%s", body)
	}
}

func TestHandleEventStream_LastEventIDReplay(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	// Broadcast before any client is attached; the ring keeps it.
	srv.Broadcast(presenceEvent("alice", "online"))
	srv.Broadcast(presenceEvent("bob", "away"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if strings.Contains(body, `"user_id":"alice"`) {
		t.Fatalf("event 1 was already seen and must not be replayed, got:\n%s", body)
	}
	if !strings.Contains(body, `"user_id":"bob"`) {
		t.Fatalf("expected replay of event 2, got:\n%s", body)
	}
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := newHub()
	c := h.subscribe(nil)
	defer h.unsubscribe(c)

	// Overfill the client's buffer; broadcast must not block.
	for i := 0; i < hubClientBuffer+10; i++ {
		h.broadcast(presenceEvent("alice", "online"))
	}

	if got := len(c.ch); got != hubClientBuffer {
		t.Errorf("expected a full buffer of %d, got %d", hubClientBuffer, got)
	}
}

func TestHub_ReplaySkipsFilteredUsers(t *testing.T) {
	h := newHub()
	h.broadcast(presenceEvent("alice", "online"))
	h.broadcast(presenceEvent("bob", "online"))

	c := h.subscribe([]string{"bob"})
	defer h.unsubscribe(c)

	replayed := h.replay(c, 0)
	if len(replayed) != 1 || replayed[0].UserID != "bob" {
		t.Fatalf("expected only bob in replay, got %+v", replayed)
	}
}
