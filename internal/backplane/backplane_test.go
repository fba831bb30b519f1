package backplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/quckapp/presence/internal/events"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestPublishUser_RoundTrip(t *testing.T) {
	url := startTestNATS(t)

	a, err := Connect(url, "node-a")
	if err != nil {
		t.Fatalf("connecting node-a: %v", err)
	}
	defer a.Close()

	b, err := Connect(url, "node-b")
	if err != nil {
		t.Fatalf("connecting node-b: %v", err)
	}
	defer b.Close()

	ch, cancel, err := b.Subscribe(events.SubjectUserWildcard)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	ev := events.PresenceEvent{
		Type:            events.TypeConnected,
		UserID:          "alice",
		Status:          "online",
		SourceNodeID:    "node-a",
		CorrelationID:   events.NewCorrelationID(),
		ConnectionCount: 1,
	}
	if err := a.PublishUser(ev); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	select {
	case data := <-ch:
		var got events.PresenceEvent
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshaling: %v", err)
		}
		if got.UserID != "alice" || got.SourceNodeID != "node-a" {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanout event")
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	url := startTestNATS(t)

	bp, err := Connect(url, "node-a")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer bp.Close()

	ch, cancel, err := bp.Subscribe("presence.user.alice")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestHeartbeats_ArePublished(t *testing.T) {
	url := startTestNATS(t)

	a, err := Connect(url, "node-a")
	if err != nil {
		t.Fatalf("connecting node-a: %v", err)
	}
	defer a.Close()

	b, err := Connect(url, "node-b")
	if err != nil {
		t.Fatalf("connecting node-b: %v", err)
	}
	defer b.Close()

	ch, cancel, err := b.Subscribe(events.SubjectHeartbeat)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	a.StartHeartbeats(20 * time.Millisecond)
	defer a.StopHeartbeats()

	select {
	case data := <-ch:
		var hb events.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			t.Fatalf("unmarshaling heartbeat: %v", err)
		}
		if hb.NodeID != "node-a" {
			t.Errorf("expected heartbeat from node-a, got %s", hb.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestServeStatus_AnswersQueries(t *testing.T) {
	url := startTestNATS(t)

	bp, err := Connect(url, "node-a")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer bp.Close()

	stop, err := bp.ServeStatus(func(userID string) (events.StatusReply, bool) {
		if userID == "alice" {
			return events.StatusReply{UserID: "alice", Status: "online"}, true
		}
		return events.StatusReply{}, false
	})
	if err != nil {
		t.Fatalf("starting status responder: %v", err)
	}
	defer stop()

	ask := func(userID string) events.StatusReply {
		t.Helper()
		req, _ := json.Marshal(events.StatusRequest{UserID: userID})
		msg, err := bp.Conn().RequestWithContext(contextWithTimeout(t), events.SubjectStatusQuery, req)
		if err != nil {
			t.Fatalf("requesting status for %s: %v", userID, err)
		}
		var reply events.StatusReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("unmarshaling reply: %v", err)
		}
		return reply
	}

	if got := ask("alice"); got.Status != "online" {
		t.Errorf("expected online for alice, got %s", got.Status)
	}
	if got := ask("nobody"); got.Status != "unknown" {
		t.Errorf("expected unknown for unseen user, got %s", got.Status)
	}
}

func TestHealthy_ReflectsConnectionState(t *testing.T) {
	url := startTestNATS(t)

	bp, err := Connect(url, "node-a")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer bp.Close()

	if !bp.Healthy() {
		t.Error("expected healthy connection")
	}
	if bp.LastError() != nil {
		t.Errorf("expected no last error, got %v", bp.LastError())
	}
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
