// Package server exposes the node's HTTP surface: status queries, health,
// cluster membership, an SSE event stream, and the realtime websocket
// endpoint that attaches user connections to the presence registry.
package server

import (
	"context"

	"github.com/quckapp/presence/internal/cluster"
	"github.com/quckapp/presence/internal/events"
	"github.com/quckapp/presence/internal/gatekeeper"
	"github.com/quckapp/presence/internal/presence"
)

// HealthSources are optional probes wired in by the daemon. Nil fields
// report as absent rather than unhealthy.
type HealthSources struct {
	// Backplane reports the pubsub connection state and its last error.
	Backplane func() (connected bool, lastErr error)
	// IngestLag reports how many durable-log events are waiting to be applied.
	IngestLag func(ctx context.Context) (uint64, error)
	// IngestSkipped reports how many malformed log entries were skipped.
	IngestSkipped func() int64
}

// Server ties the presence registry, cluster membership, and token
// verification together behind the HTTP handlers.
type Server struct {
	nodeID     string
	reg        *presence.Registry
	membership *cluster.Membership
	gate       *gatekeeper.Verifier
	hub        *hub
	health     HealthSources
}

func New(nodeID string, reg *presence.Registry, membership *cluster.Membership, gate *gatekeeper.Verifier) *Server {
	return &Server{
		nodeID:     nodeID,
		reg:        reg,
		membership: membership,
		gate:       gate,
		hub:        newHub(),
	}
}

// SetHealthSources wires in the daemon's backplane and ingest probes.
func (s *Server) SetHealthSources(h HealthSources) {
	s.health = h
}

// Broadcast delivers a presence announcement to every attached SSE and
// websocket consumer watching its user.
func (s *Server) Broadcast(ev events.PresenceEvent) {
	s.hub.broadcast(ev)
}
