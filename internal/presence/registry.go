// Package presence holds the per-node presence registry: the table of user
// presence records, the state machine that mutates them, and the grace-period
// reaper that demotes users to offline after a disconnect.
//
// The registry is the single source of truth for the state machine. Local
// websocket connections, mirrored announcements from peer nodes, and events
// ingested from the durable log all flow through the same Apply path, so a
// transition behaves identically regardless of where it originated.
package presence

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/quckapp/presence/internal/events"
)

// Status is a user's presence state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusAway    Status = "away"

	// StatusUnknown is reported for users the registry has never seen. It is
	// never stored and never valid on the wire.
	StatusUnknown Status = "unknown"
)

// Valid reports whether s is a status the registry accepts on the wire.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusAway:
		return true
	}
	return false
}

// Origin identifies where a presence event entered this node.
type Origin int

const (
	// OriginLocal events come from connections attached to this node.
	OriginLocal Origin = iota
	// OriginLog events were consumed from the durable upstream log.
	OriginLog
	// OriginCluster events were mirrored from a peer node's backplane
	// announcement. They update the read-side view and are never
	// re-published (that would loop).
	OriginCluster
)

// Announce describes the outcome of a registry mutation that the rest of the
// node must act on: fan it out on the backplane, publish it to the durable
// log, and forward it to locally-attached clients.
type Announce struct {
	Event  events.PresenceEvent
	Origin Origin

	// StatusChanged is true when the user's externally-observable status
	// transitioned. Only changed transitions reach the durable log.
	StatusChanged bool
}

// Demoter schedules and cancels grace-period demotions. Implemented by the
// Reaper; the indirection keeps the registry free of timer bookkeeping.
type Demoter interface {
	// ScheduleDemotion arms (or re-arms) the user's demotion timer. The
	// grace window is measured from since, not from the call: a disconnect
	// event replayed from the log long after the fact demotes immediately.
	ScheduleDemotion(userID string, since time.Time)
	CancelDemotion(userID string)
}

// upstreamNode attributes connection counts learned from log events that
// carry no source node, so they participate in the additive merge without
// ever being subject to the dead-node discount.
const upstreamNode = "upstream"

// shardCount must be a power of two.
const shardCount = 64

// Config configures a Registry.
type Config struct {
	// NodeID identifies this process in event source fields and in the
	// per-node connection count merge.
	NodeID string

	// DedupWindow is how long applied correlation ids are remembered.
	// Default 2 minutes.
	DedupWindow time.Duration

	// IsLive reports whether a peer node's contribution to a user's
	// connection count should still be trusted. Nil trusts everyone.
	// Unknown nodes must be trusted: only a node the membership layer
	// watched die is discounted.
	IsLive func(nodeID string) bool
}

// Registry is the per-node presence table, sharded by userId hash so that
// connect/disconnect churn on different users never contends on one lock.
type Registry struct {
	nodeID      string
	dedupWindow time.Duration
	isLive      func(string) bool

	shards [shardCount]shard

	mu       sync.RWMutex // guards demoter and announce wiring
	demoter  Demoter
	announce func(Announce)
}

type shard struct {
	mu        sync.Mutex
	users     map[string]*record
	seen      map[string]time.Time // correlation id → applied at
	lastPrune time.Time
}

// record is one user's presence state as this node knows it. Mutated only
// under the owning shard's lock; all I/O happens after release.
type record struct {
	status        Status         // declared state while supported: online or away
	localConns    int            // live connections attached to this node
	remote        map[string]int // peer node id → its announced local count
	lastSeen      time.Time
	lastHeartbeat time.Time
	ownerNode     string // node reporting the freshest connection
	pending       bool   // a grace-period demotion is scheduled
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 2 * time.Minute
	}
	r := &Registry{
		nodeID:      cfg.NodeID,
		dedupWindow: cfg.DedupWindow,
		isLive:      cfg.IsLive,
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]*record)
		r.shards[i].seen = make(map[string]time.Time)
	}
	return r
}

// OnAnnounce registers the callback invoked (outside any shard lock) for
// every announcement the registry produces. Must be set before traffic.
func (r *Registry) OnAnnounce(fn func(Announce)) {
	r.mu.Lock()
	r.announce = fn
	r.mu.Unlock()
}

// AttachDemoter wires the grace-period reaper. Without one, disconnected
// users stay in the pending window indefinitely.
func (r *Registry) AttachDemoter(d Demoter) {
	r.mu.Lock()
	r.demoter = d
	r.mu.Unlock()
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()&(shardCount-1)]
}

func (s *shard) get(userID string) *record {
	rec, ok := s.users[userID]
	if !ok {
		rec = &record{status: StatusOffline, remote: make(map[string]int)}
		s.users[userID] = rec
	}
	return rec
}

// live applies the membership discount to a peer node id.
func (r *Registry) live(nodeID string) bool {
	if nodeID == upstreamNode || nodeID == r.nodeID || r.isLive == nil {
		return true
	}
	return r.isLive(nodeID)
}

// supported reports whether any live node holds a connection for rec.
func (r *Registry) supported(rec *record) bool {
	if rec.localConns > 0 {
		return true
	}
	for node, n := range rec.remote {
		if n > 0 && r.live(node) {
			return true
		}
	}
	return false
}

// effective computes the externally-observable status: online (or away) while
// any live node holds a connection or a demotion is still pending.
func (r *Registry) effective(rec *record) Status {
	if r.supported(rec) || rec.pending {
		if rec.status == StatusAway {
			return StatusAway
		}
		return StatusOnline
	}
	return StatusOffline
}

// Connect registers one local connection for the user. The first connection
// anywhere promotes the user to online and publishes immediately.
func (r *Registry) Connect(userID string) {
	if userID == "" {
		return
	}
	now := time.Now().UTC()
	s := r.shardFor(userID)

	s.mu.Lock()
	rec := s.get(userID)
	prev := r.effective(rec)
	rec.localConns++
	rec.lastSeen = now
	rec.lastHeartbeat = now
	rec.ownerNode = r.nodeID
	rec.pending = false
	if rec.status == StatusOffline {
		rec.status = StatusOnline
	}
	a := Announce{
		Event: events.PresenceEvent{
			Type:            events.TypeConnected,
			UserID:          userID,
			Status:          string(r.effective(rec)),
			Timestamp:       now,
			SourceNodeID:    r.nodeID,
			CorrelationID:   events.NewCorrelationID(),
			ConnectionCount: rec.localConns,
		},
		Origin:        OriginLocal,
		StatusChanged: prev != r.effective(rec),
	}
	s.mu.Unlock()

	if d := r.getDemoter(); d != nil {
		d.CancelDemotion(userID)
	}
	r.emit(a)
}

// Disconnect deregisters one local connection. When the local count reaches
// zero a grace-period demotion is scheduled instead of transitioning; the
// observable status never changes here.
func (r *Registry) Disconnect(userID string) {
	now := time.Now().UTC()
	s := r.shardFor(userID)

	s.mu.Lock()
	rec, ok := s.users[userID]
	if !ok || rec.localConns == 0 {
		s.mu.Unlock()
		return
	}
	rec.localConns--
	rec.lastSeen = now
	schedule := rec.localConns == 0
	if schedule {
		rec.pending = true
	}
	a := Announce{
		Event: events.PresenceEvent{
			Type:            events.TypeDisconnected,
			UserID:          userID,
			Status:          string(r.effective(rec)),
			Timestamp:       now,
			SourceNodeID:    r.nodeID,
			CorrelationID:   events.NewCorrelationID(),
			ConnectionCount: rec.localConns,
		},
		Origin: OriginLocal,
		// Grace window: a disconnect is never an observable transition.
		StatusChanged: false,
	}
	s.mu.Unlock()

	if schedule {
		if d := r.getDemoter(); d != nil {
			d.ScheduleDemotion(userID, now)
		}
	}
	r.emit(a)
}

// Touch records client heartbeat activity without changing status.
func (r *Registry) Touch(userID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	if rec, ok := s.users[userID]; ok {
		rec.lastHeartbeat = time.Now().UTC()
	}
	s.mu.Unlock()
}

// Apply runs one presence event through the state machine. It is the single
// transition function shared by locally-originated status updates, the
// ingestion bridge, and peer mirror traffic. Applying the same correlation id
// twice is a no-op.
func (r *Registry) Apply(ev events.PresenceEvent, origin Origin) {
	if ev.UserID == "" {
		return
	}
	now := time.Now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	src := ev.SourceNodeID
	if src == "" {
		src = upstreamNode
	}

	s := r.shardFor(ev.UserID)
	s.mu.Lock()

	if ev.CorrelationID != "" {
		if _, dup := s.seen[ev.CorrelationID]; dup {
			s.mu.Unlock()
			return
		}
		s.seen[ev.CorrelationID] = now
		s.maybePrune(now, r.dedupWindow)
	}

	rec := s.get(ev.UserID)
	prev := r.effective(rec)

	var schedule, cancel bool
	switch ev.Type {
	case events.TypeConnected:
		if origin == OriginCluster {
			rec.remote[src] = ev.ConnectionCount
		} else {
			rec.remote[src]++
		}
		if rec.status == StatusOffline {
			rec.status = StatusOnline
		}
		rec.ownerNode = src
		rec.pending = false
		cancel = true

	case events.TypeDisconnected:
		if origin == OriginCluster {
			rec.remote[src] = ev.ConnectionCount
			if rec.remote[src] <= 0 {
				delete(rec.remote, src)
			}
			// When the peer's announcement says offline, its own grace
			// window already ran; honor it if nothing else supports the
			// user.
			if Status(ev.Status) == StatusOffline && !r.supported(rec) {
				rec.status = StatusOffline
				rec.pending = false
			}
		} else {
			if rec.remote[src] > 0 {
				rec.remote[src]--
			}
			if rec.remote[src] == 0 {
				delete(rec.remote, src)
			}
			// Only a previously-supported user enters the grace window. A
			// disconnect arriving before any connect carries nothing to
			// demote, and a pending timer would read as online.
			if prev != StatusOffline && !r.supported(rec) {
				rec.pending = true
				schedule = true
			}
		}

	case events.TypeStatusUpdate:
		st := Status(ev.Status)
		if !st.Valid() || st == StatusOffline {
			slog.Warn("ignoring status update with invalid status",
				"user", ev.UserID, "status", ev.Status)
			s.mu.Unlock()
			return
		}
		if !r.supported(rec) && !rec.pending {
			// The core mirrors status; it does not resurrect users.
			slog.Debug("ignoring status update for user with no connections",
				"user", ev.UserID, "status", ev.Status)
			s.mu.Unlock()
			return
		}
		rec.status = st

	case events.TypeForceOffline:
		// Logout: immediate, no grace window. Remote counts are cleared;
		// sockets still attached to this node keep their own count and
		// will re-announce on their next transition.
		rec.remote = make(map[string]int)
		rec.status = StatusOffline
		rec.pending = false
		cancel = true

	default:
		slog.Warn("ignoring presence event with unknown type",
			"type", ev.Type, "user", ev.UserID)
		s.mu.Unlock()
		return
	}

	if ev.Timestamp.After(rec.lastSeen) {
		rec.lastSeen = ev.Timestamp
	}
	next := r.effective(rec)
	if next == StatusOffline {
		rec.status = StatusOffline
	}

	a := Announce{
		Event:         ev,
		Origin:        origin,
		StatusChanged: prev != next,
	}
	a.Event.Status = string(next)
	if origin != OriginCluster {
		// Rebroadcasts carry the resulting absolute count for the source
		// so peers can mirror it level-triggered. Events flow into
		// rec.remote keyed by src regardless of the id they carry, so the
		// report reads the same slot the mutation wrote.
		a.Event.SourceNodeID = src
		a.Event.ConnectionCount = rec.remote[src]
	}
	since := ev.Timestamp
	s.mu.Unlock()

	if d := r.getDemoter(); d != nil {
		if cancel {
			d.CancelDemotion(ev.UserID)
		}
		if schedule {
			d.ScheduleDemotion(ev.UserID, since)
		}
	}
	if origin == OriginCluster && !a.StatusChanged {
		// Pure count mirroring; nothing downstream cares.
		return
	}
	r.emit(a)
}

// DemoteIfIdle finishes a grace-period demotion: called by the reaper when
// the user's timer fires. The global view is re-checked first; any live
// support cancels the demotion silently.
func (r *Registry) DemoteIfIdle(userID string) {
	now := time.Now().UTC()
	s := r.shardFor(userID)

	s.mu.Lock()
	rec, ok := s.users[userID]
	if !ok || !rec.pending {
		s.mu.Unlock()
		return
	}
	rec.pending = false
	if r.supported(rec) {
		s.mu.Unlock()
		return
	}
	rec.status = StatusOffline
	a := Announce{
		Event: events.PresenceEvent{
			Type:          events.TypeDisconnected,
			UserID:        userID,
			Status:        string(StatusOffline),
			Timestamp:     now,
			SourceNodeID:  r.nodeID,
			CorrelationID: events.NewCorrelationID(),
		},
		Origin:        OriginLocal,
		StatusChanged: true,
	}
	s.mu.Unlock()

	slog.Info("grace window expired, user offline", "user", userID)
	r.emit(a)
}

// DiscountNode zeroes every connection count contributed by a dead node.
// Users whose only support was that node go offline immediately; a crashed
// node cannot emit its own graceful disconnects.
func (r *Registry) DiscountNode(nodeID string) {
	now := time.Now().UTC()
	var announces []Announce

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, rec := range s.users {
			if rec.remote[nodeID] == 0 {
				continue
			}
			prev := r.effective(rec)
			delete(rec.remote, nodeID)
			next := r.effective(rec)
			if next == StatusOffline {
				rec.status = StatusOffline
				rec.pending = false
			}
			if prev != next {
				announces = append(announces, Announce{
					Event: events.PresenceEvent{
						Type:          events.TypeDisconnected,
						UserID:        userID,
						Status:        string(next),
						Timestamp:     now,
						SourceNodeID:  r.nodeID,
						CorrelationID: events.NewCorrelationID(),
					},
					Origin:        OriginLocal,
					StatusChanged: true,
				})
			}
		}
		s.mu.Unlock()
	}

	if len(announces) > 0 {
		slog.Info("discounted dead node", "node", nodeID, "users_offline", len(announces))
	}
	for _, a := range announces {
		r.emit(a)
	}
}

// GetStatus returns the user's effective status and last-seen time. ok is
// false when no record exists anywhere in this node's view.
func (r *Registry) GetStatus(userID string) (Status, time.Time, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return StatusOffline, time.Time{}, false
	}
	return r.effective(rec), rec.lastSeen, true
}

// LocalConnections returns the number of connections this node holds for the
// user.
func (r *Registry) LocalConnections(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return 0
	}
	return rec.localConns
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.users)
		s.mu.Unlock()
	}
	return n
}

// EvictIdle removes records that decayed to offline and have been idle
// longer than evictAfter, bounding registry memory. Returns the number
// evicted.
func (r *Registry) EvictIdle(now time.Time, evictAfter time.Duration) int {
	evicted := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, rec := range s.users {
			if rec.localConns == 0 && len(rec.remote) == 0 && !rec.pending &&
				rec.status == StatusOffline && now.Sub(rec.lastSeen) > evictAfter {
				delete(s.users, userID)
				evicted++
			}
		}
		s.maybePrune(now, r.dedupWindow)
		s.mu.Unlock()
	}
	return evicted
}

// maybePrune drops expired correlation ids. Called under the shard lock, at
// most once per dedup window.
func (s *shard) maybePrune(now time.Time, window time.Duration) {
	if now.Sub(s.lastPrune) < window {
		return
	}
	s.lastPrune = now
	for id, at := range s.seen {
		if now.Sub(at) > window {
			delete(s.seen, id)
		}
	}
}

func (r *Registry) getDemoter() Demoter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.demoter
}

// emit invokes the announce callback outside all shard locks.
func (r *Registry) emit(a Announce) {
	r.mu.RLock()
	fn := r.announce
	r.mu.RUnlock()
	if fn != nil {
		fn(a)
	}
}
