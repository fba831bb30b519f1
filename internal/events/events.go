package events

import (
	"context"
	"time"
)

// Durable-log topics. Inbound streams are consumed by the ingestion bridge,
// the outbound stream carries every presence transition this node applies.
const (
	StreamUserEvents        = "USER_EVENTS"
	SubjectUserEvents       = "user-events"
	SubjectConnectionEvents = "connection-events"

	// Outbound transitions, partitioned by user id: presence-events.<userId>.
	StreamPresenceEvents  = "PRESENCE_EVENTS"
	SubjectPresenceEvents = "presence-events"
)

// Backplane subjects (core NATS, interest-based fanout between nodes).
const (
	// SubjectUserPrefix + <userId> carries presence announcements for one user.
	SubjectUserPrefix = "presence.user."

	// SubjectUserWildcard subscribes to every user's announcements.
	SubjectUserWildcard = "presence.user.>"

	// SubjectHeartbeat carries node liveness announcements.
	SubjectHeartbeat = "presence.node.heartbeat"

	// SubjectStatusQuery serves request-reply status lookups for other services.
	SubjectStatusQuery = "presence.status"
)

// Type identifies the kind of presence transition an event describes.
type Type string

const (
	TypeConnected    Type = "user_connected"
	TypeDisconnected Type = "user_disconnected"
	TypeStatusUpdate Type = "status_update"
	TypeForceOffline Type = "force_offline"
)

// PresenceEvent is the wire representation of a presence change. It is
// immutable once emitted and consumed idempotently by correlation id.
type PresenceEvent struct {
	Type          Type      `json:"type"`
	UserID        string    `json:"user_id"`
	Status        string    `json:"status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SourceNodeID  string    `json:"source_node_id"`
	CorrelationID string    `json:"correlation_id"`

	// ConnectionCount is the announcing node's local connection count for
	// the user. Peers merge these additively to compute effective status.
	ConnectionCount int `json:"connection_count"`
}

// UserEvent is the payload shape of the upstream user-events and
// connection-events topics.
type UserEvent struct {
	Event         string            `json:"event"`
	UserID        string            `json:"user_id"`
	Timestamp     time.Time         `json:"timestamp,omitzero"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Heartbeat is a node liveness announcement on the backplane.
type Heartbeat struct {
	NodeID string    `json:"node_id"`
	SentAt time.Time `json:"sent_at"`
}

// StatusRequest and StatusReply are the request-reply shapes served on
// SubjectStatusQuery for other platform services.
type StatusRequest struct {
	UserID string `json:"user_id"`
}

type StatusReply struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

// Subscriber receives raw event payloads from the backplane.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(subject string) (<-chan []byte, func(), error)
	Close() error
}
