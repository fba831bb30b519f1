package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/quckapp/presence/internal/events"
)

// Publisher writes applied presence transitions to the durable
// presence-events stream for downstream consumers (notification
// orchestration, analytics). Subjects are partitioned by user id, so one
// user's events keep the order this node applied them.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher ensures the outbound stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      events.StreamPresenceEvents,
		Subjects:  []string{events.SubjectPresenceEvents + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", events.StreamPresenceEvents, err)
	}

	return &Publisher{js: js}, nil
}

// PublishTransition writes one transition to the log, synchronously so the
// broker ack is observed. Failures are returned for the caller to log;
// presence transitions are best-effort toward downstream consumers and are
// never retried into a blocked registry path.
func (p *Publisher) PublishTransition(ctx context.Context, ev events.PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling transition: %w", err)
	}
	subject := events.SubjectPresenceEvents + "." + ev.UserID
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	slog.Debug("published transition",
		"user", ev.UserID, "status", ev.Status, "correlation_id", ev.CorrelationID)
	return nil
}
