// Package bridge connects the presence registry to the durable event log:
// ingestion of upstream user/connection events and publication of locally
// applied transitions, both over JetStream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/quckapp/presence/internal/events"
	"github.com/quckapp/presence/internal/presence"
)

// ingestDurable is the durable consumer name shared by every presenced
// instance: one consumer group, each message applied by exactly one node.
const ingestDurable = "presence-ingest"

// Ingest consumes the upstream user-events and connection-events topics and
// applies them to the registry. Malformed messages are logged, counted, and
// skipped; the consumer loop never dies on bad input.
type Ingest struct {
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	skipped  atomic.Int64
}

// StartIngest ensures the upstream stream exists, binds the durable
// consumer, and starts applying messages to reg. Offsets are acked only
// after the registry mutation (at-least-once; Apply is idempotent per
// correlation id).
func StartIngest(ctx context.Context, nc *nats.Conn, reg *presence.Registry) (*Ingest, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: events.StreamUserEvents,
		Subjects: []string{
			events.SubjectUserEvents,
			events.SubjectUserEvents + ".>",
			events.SubjectConnectionEvents,
			events.SubjectConnectionEvents + ".>",
		},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", events.StreamUserEvents, err)
	}

	stream, err := js.Stream(ctx, events.StreamUserEvents)
	if err != nil {
		return nil, fmt.Errorf("binding stream %s: %w", events.StreamUserEvents, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ingestDurable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s: %w", ingestDurable, err)
	}

	in := &Ingest{consumer: cons}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		in.apply(reg, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("starting consumer %s: %w", ingestDurable, err)
	}
	in.cc = cc

	slog.Info("ingestion bridge started", "stream", events.StreamUserEvents, "durable", ingestDurable)
	return in, nil
}

func (in *Ingest) apply(reg *presence.Registry, msg jetstream.Msg) {
	ev, err := parseUserEvent(msg)
	if err != nil {
		in.skipped.Add(1)
		slog.Warn("skipping malformed upstream event",
			"subject", msg.Subject(), "error", err)
		// Acked so the broker does not redeliver garbage forever.
		_ = msg.Ack()
		return
	}

	reg.Apply(ev, presence.OriginLog)
	if err := msg.Ack(); err != nil {
		slog.Warn("ack failed, event may be redelivered",
			"user", ev.UserID, "correlation_id", ev.CorrelationID, "error", err)
	}
}

// parseUserEvent converts one upstream log message into a presence event.
func parseUserEvent(msg jetstream.Msg) (events.PresenceEvent, error) {
	var ue events.UserEvent
	if err := json.Unmarshal(msg.Data(), &ue); err != nil {
		return events.PresenceEvent{}, fmt.Errorf("unmarshaling: %w", err)
	}
	if ue.UserID == "" {
		return events.PresenceEvent{}, fmt.Errorf("missing user_id")
	}

	ev := events.PresenceEvent{
		UserID:        ue.UserID,
		Timestamp:     ue.Timestamp,
		SourceNodeID:  ue.Metadata["source_node_id"],
		CorrelationID: ue.CorrelationID,
	}

	switch ue.Event {
	case "user_connected":
		ev.Type = events.TypeConnected
	case "user_disconnected":
		ev.Type = events.TypeDisconnected
	case "status_update":
		ev.Type = events.TypeStatusUpdate
		ev.Status = ue.Metadata["status"]
		if ev.Status == "" {
			return events.PresenceEvent{}, fmt.Errorf("status_update without metadata.status")
		}
	case "user_logged_out", "force_offline":
		ev.Type = events.TypeForceOffline
	default:
		return events.PresenceEvent{}, fmt.Errorf("unknown event %q", ue.Event)
	}

	// Idempotence needs a stable correlation id across broker redelivery.
	// When the producer did not set one, derive it from the stream sequence,
	// which is identical for every redelivery of the same message.
	if ev.CorrelationID == "" {
		if meta, err := msg.Metadata(); err == nil {
			ev.CorrelationID = fmt.Sprintf("log-%d", meta.Sequence.Stream)
		}
	}
	return ev, nil
}

// Skipped returns how many malformed messages were dropped.
func (in *Ingest) Skipped() int64 {
	return in.skipped.Load()
}

// Lag returns the number of upstream messages not yet applied, for the
// health surface.
func (in *Ingest) Lag(ctx context.Context) (uint64, error) {
	info, err := in.consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info: %w", err)
	}
	return uint64(info.NumPending), nil
}

// Stop halts consumption. In-flight messages finish applying.
func (in *Ingest) Stop() {
	if in.cc != nil {
		in.cc.Stop()
	}
}
