// Package cluster tracks which presenced nodes are alive. It is a pure
// liveness oracle: heartbeats in, IsLive answers out, no business data.
package cluster

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config configures a Membership table.
type Config struct {
	// NodeID is the local node, always considered live.
	NodeID string

	// Interval is the expected heartbeat period. Default: 5 seconds.
	Interval time.Duration

	// Misses is how many consecutive intervals a node may skip before it is
	// declared dead. Default: 3.
	Misses int

	// OnNodeDead is called (outside the lock) for each node newly declared
	// dead, so stale connection counts can be discounted immediately.
	OnNodeDead func(nodeID string)
}

// NodeInfo is a snapshot of one tracked node.
type NodeInfo struct {
	NodeID    string    `json:"node_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastBeat  time.Time `json:"last_beat"`
	Live      bool      `json:"live"`
}

// Membership is the heartbeat table. Read-mostly; only the heartbeat
// consumer and the sweeper mutate it.
type Membership struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*nodeState

	// degraded freezes death declarations while this node cannot reach the
	// backplane: a partitioned node must not declare its peers dead.
	degraded bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type nodeState struct {
	firstSeen time.Time
	lastBeat  time.Time
	dead      bool
	deadAt    time.Time
}

// New creates a membership table containing only the local node.
func New(cfg Config) *Membership {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Misses == 0 {
		cfg.Misses = 3
	}
	now := time.Now().UTC()
	return &Membership{
		cfg: cfg,
		nodes: map[string]*nodeState{
			cfg.NodeID: {firstSeen: now, lastBeat: now},
		},
	}
}

// Heartbeat records a liveness announcement from nodeID.
func (m *Membership) Heartbeat(nodeID string) {
	if nodeID == "" {
		return
	}
	now := time.Now().UTC()

	m.mu.Lock()
	st, ok := m.nodes[nodeID]
	if !ok {
		st = &nodeState{firstSeen: now}
		m.nodes[nodeID] = st
		slog.Info("node joined cluster", "node", nodeID)
	}
	if st.dead {
		slog.Info("node resurrected", "node", nodeID)
		st.dead = false
		st.deadAt = time.Time{}
	}
	st.lastBeat = now
	m.mu.Unlock()
}

// IsLive reports whether nodeID's contributions should still be trusted.
// Unknown nodes are trusted: only a node this table watched die is
// discounted.
func (m *Membership) IsLive(nodeID string) bool {
	if nodeID == m.cfg.NodeID {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.nodes[nodeID]
	if !ok {
		return true
	}
	return !st.dead
}

// LiveNodes returns the sorted ids of all live nodes.
func (m *Membership) LiveNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.nodes))
	for id, st := range m.nodes {
		if !st.dead {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Nodes returns a snapshot of the whole table, live and dead, for the
// cluster health surface.
func (m *Membership) Nodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, 0, len(m.nodes))
	for id, st := range m.nodes {
		out = append(out, NodeInfo{
			NodeID:    id,
			FirstSeen: st.firstSeen,
			LastBeat:  st.lastBeat,
			Live:      !st.dead,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// SetDegraded toggles partition mode. While degraded, the sweeper does not
// declare nodes dead; stale heartbeats mean we cannot hear, not that peers
// crashed.
func (m *Membership) SetDegraded(v bool) {
	m.mu.Lock()
	changed := m.degraded != v
	m.degraded = v
	m.mu.Unlock()
	if changed && v {
		slog.Warn("cluster membership degraded, death declarations frozen")
	}
	if changed && !v {
		slog.Info("cluster membership recovered")
	}
}

// Degraded reports partition mode.
func (m *Membership) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// StartSweeper launches the background death sweep. Call Stop to shut it
// down.
func (m *Membership) StartSweeper() {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go m.sweepLoop()
	slog.Info("membership sweeper started",
		"interval", m.cfg.Interval, "misses", m.cfg.Misses)
}

// Stop shuts down the sweeper.
func (m *Membership) Stop() {
	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
		m.sweepStop = nil
		m.sweepDone = nil
	}
}

func (m *Membership) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.Sweep(time.Now().UTC())
		}
	}
}

// Sweep declares nodes dead when their last heartbeat is older than
// Interval*Misses, firing OnNodeDead outside the lock. Long-dead nodes are
// eventually evicted from the table.
func (m *Membership) Sweep(now time.Time) {
	deadline := time.Duration(m.cfg.Misses) * m.cfg.Interval
	evictAfter := 10 * deadline

	var newlyDead []string

	m.mu.Lock()
	if m.degraded {
		m.mu.Unlock()
		return
	}
	for id, st := range m.nodes {
		if id == m.cfg.NodeID {
			continue
		}
		if st.dead {
			if now.Sub(st.deadAt) > evictAfter {
				delete(m.nodes, id)
			}
			continue
		}
		if now.Sub(st.lastBeat) > deadline {
			st.dead = true
			st.deadAt = now
			newlyDead = append(newlyDead, id)
		}
	}
	m.mu.Unlock()

	for _, id := range newlyDead {
		slog.Warn("node declared dead", "node", id, "deadline", deadline)
		if m.cfg.OnNodeDead != nil {
			m.cfg.OnNodeDead(id)
		}
	}
}
