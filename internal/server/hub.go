package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quckapp/presence/internal/events"
)

const (
	// hubRingSize is the number of recent announcements kept in memory for
	// Last-Event-ID reconnection support on the SSE stream.
	hubRingSize = 1000

	// hubClientBuffer is each subscriber's channel depth. Slow consumers
	// drop events; the next announcement for a user repairs their view.
	hubClientBuffer = 64
)

// hubEvent is a single announcement stored in the ring buffer and delivered
// to subscribed connections.
type hubEvent struct {
	ID     uint64 // monotonically increasing sequence number
	UserID string
	Data   []byte // JSON-encoded events.PresenceEvent
}

// hub fans presence announcements out to locally-attached consumers: SSE
// streams and realtime websocket connections.
type hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	nextID  atomic.Uint64

	// Ring buffer for replay on SSE reconnection.
	ringMu  sync.RWMutex
	ring    [hubRingSize]hubEvent
	ringPos int // next write position (wraps around)
	ringLen int // number of valid entries (up to hubRingSize)
}

// hubClient is a single subscribed consumer.
type hubClient struct {
	users map[string]struct{} // user ids to observe; empty = all
	ch    chan *hubEvent
}

func newHub() *hub {
	return &hub{clients: make(map[*hubClient]struct{})}
}

// broadcast delivers one presence event to every client observing its user.
func (h *hub) broadcast(ev events.PresenceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal presence event for fanout", "user", ev.UserID, "error", err)
		return
	}

	evt := &hubEvent{
		ID:     h.nextID.Add(1),
		UserID: ev.UserID,
		Data:   data,
	}

	h.ringMu.Lock()
	h.ring[h.ringPos] = *evt
	h.ringPos = (h.ringPos + 1) % hubRingSize
	if h.ringLen < hubRingSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.observes(evt.UserID) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
			// Drop if the client is slow; never block the announcer.
		}
	}
}

func (c *hubClient) observes(userID string) bool {
	if len(c.users) == 0 {
		return true
	}
	_, ok := c.users[userID]
	return ok
}

// subscribe registers a consumer for the given user set (empty = all).
// Call unsubscribe when done.
func (h *hub) subscribe(users []string) *hubClient {
	c := &hubClient{ch: make(chan *hubEvent, hubClientBuffer)}
	if len(users) > 0 {
		c.users = make(map[string]struct{}, len(users))
		for _, u := range users {
			c.users[u] = struct{}{}
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unsubscribe(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// replay returns buffered events with IDs greater than afterID, oldest
// first, filtered to the client's user set.
func (h *hub) replay(c *hubClient, afterID uint64) []hubEvent {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	out := make([]hubEvent, 0, h.ringLen)
	start := h.ringPos - h.ringLen
	for i := 0; i < h.ringLen; i++ {
		idx := (start + i + hubRingSize) % hubRingSize
		evt := h.ring[idx]
		if evt.ID > afterID && c.observes(evt.UserID) {
			out = append(out, evt)
		}
	}
	return out
}
