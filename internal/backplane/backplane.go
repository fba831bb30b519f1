// Package backplane connects a presenced node to the shared NATS broker:
// presence fanout between nodes, node heartbeats, and request-reply status
// queries from other services.
//
// An unreachable backplane is never fatal. The node keeps serving presence
// for its own connections in degraded mode and reports the outage through
// Healthy; the client reconnects with backoff forever.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quckapp/presence/internal/events"
)

// StatusLookup answers a status query for one user. ok is false when the
// user is unknown.
type StatusLookup func(userID string) (reply events.StatusReply, ok bool)

var (
	_ events.Publisher  = (*Backplane)(nil)
	_ events.Subscriber = (*Backplane)(nil)
)

// Backplane wraps the node's NATS connection.
type Backplane struct {
	conn   *nats.Conn
	nodeID string

	mu       sync.Mutex
	lastErr  error
	onChange func(connected bool)
	hbStop   chan struct{}
	hbDone   chan struct{}
}

// Connect dials the broker with infinite reconnection. Extra nats.Option
// values can be appended.
func Connect(url, nodeID string, opts ...nats.Option) (*Backplane, error) {
	b := &Backplane{nodeID: nodeID}

	defaults := []nats.Option{
		nats.Name("presenced-" + nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.mu.Lock()
			b.lastErr = err
			fn := b.onChange
			b.mu.Unlock()
			slog.Warn("backplane disconnected", "error", err)
			if fn != nil {
				fn(false)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.mu.Lock()
			b.lastErr = nil
			fn := b.onChange
			b.mu.Unlock()
			slog.Info("backplane reconnected", "url", nc.ConnectedUrl())
			if fn != nil {
				fn(true)
			}
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b.conn = nc
	return b, nil
}

// OnConnectionChange registers a callback fired on disconnect/reconnect,
// used to toggle the membership layer's partition mode.
func (b *Backplane) OnConnectionChange(fn func(connected bool)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Conn exposes the underlying connection for the JetStream bridges.
func (b *Backplane) Conn() *nats.Conn { return b.conn }

// Healthy reports whether the broker is currently reachable.
func (b *Backplane) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// LastError returns the most recent connection error, nil when healthy.
func (b *Backplane) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Publish JSON-encodes event and publishes it to subject. Satisfies
// events.Publisher.
func (b *Backplane) Publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// PublishUser fans a presence announcement out to every node interested in
// the user.
func (b *Backplane) PublishUser(ev events.PresenceEvent) error {
	return b.Publish(context.Background(), events.SubjectUserPrefix+ev.UserID, ev)
}

// Subscribe returns a channel that receives raw payloads for the given
// subject (NATS wildcards allowed). Slow consumers drop messages rather than
// blocking the NATS client. Call the returned cancel function to unsubscribe
// and close the channel.
func (b *Backplane) Subscribe(subject string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 256)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop when the channel is full; presence state is
			// level-convergent and the next announcement repairs it.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// StartHeartbeats announces this node on the heartbeat subject every
// interval until StopHeartbeats (or Close) is called.
func (b *Backplane) StartHeartbeats(interval time.Duration) {
	b.hbStop = make(chan struct{})
	b.hbDone = make(chan struct{})

	go func() {
		defer close(b.hbDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		b.beat()
		for {
			select {
			case <-b.hbStop:
				return
			case <-ticker.C:
				b.beat()
			}
		}
	}()
	slog.Info("heartbeat emitter started", "interval", interval)
}

// StopHeartbeats stops the emitter.
func (b *Backplane) StopHeartbeats() {
	if b.hbStop != nil {
		close(b.hbStop)
		<-b.hbDone
		b.hbStop = nil
		b.hbDone = nil
	}
}

func (b *Backplane) beat() {
	hb := events.Heartbeat{NodeID: b.nodeID, SentAt: time.Now().UTC()}
	if err := b.Publish(context.Background(), events.SubjectHeartbeat, hb); err != nil {
		slog.Debug("heartbeat publish failed", "error", err)
	}
}

// ServeStatus answers request-reply status queries from other services on
// the shared status subject. All presenced nodes join one queue group; any
// node can answer from its mirrored view.
func (b *Backplane) ServeStatus(lookup StatusLookup) (func(), error) {
	sub, err := b.conn.QueueSubscribe(events.SubjectStatusQuery, "presence-status", func(msg *nats.Msg) {
		var req events.StatusRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserID == "" {
			slog.Warn("invalid status query", "error", err)
			return
		}
		reply, ok := lookup(req.UserID)
		if !ok {
			reply = events.StatusReply{UserID: req.UserID, Status: "unknown"}
		}
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Warn("failed to marshal status reply", "user", req.UserID, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Debug("status reply failed", "user", req.UserID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", events.SubjectStatusQuery, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing status responder: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the connection.
func (b *Backplane) Close() error {
	b.StopHeartbeats()
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	return nil
}
