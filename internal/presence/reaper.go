package presence

import (
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig configures the grace-period reaper.
type ReaperConfig struct {
	// Grace is how long a fully-disconnected user stays online before
	// being demoted. Default: 30 seconds.
	Grace time.Duration

	// EvictAfter is how long an offline record with no connections is kept
	// before being dropped from memory. Default: 10 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the eviction sweep runs. Default: 10s.
	SweepInterval time.Duration
}

// Reaper owns the per-user demotion timers and the background eviction
// sweep. Timers are per-user, not per-connection: a burst of multi-device
// disconnects collapses into a single timer governed by the last one.
type Reaper struct {
	reg *Registry
	cfg ReaperConfig

	mu     sync.Mutex
	timers map[string]*time.Timer

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewReaper creates a reaper bound to reg and attaches it as the registry's
// demoter.
func NewReaper(reg *Registry, cfg ReaperConfig) *Reaper {
	if cfg.Grace == 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	r := &Reaper{
		reg:    reg,
		cfg:    cfg,
		timers: make(map[string]*time.Timer),
	}
	reg.AttachDemoter(r)
	return r
}

// ScheduleDemotion arms the user's demotion timer to fire one grace window
// after since. A disconnect event replayed from the log with a timestamp
// older than the grace window fires immediately. Re-arming replaces any
// existing timer.
func (r *Reaper) ScheduleDemotion(userID string, since time.Time) {
	delay := time.Until(since.Add(r.cfg.Grace))
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	if t, ok := r.timers[userID]; ok {
		t.Stop()
	}
	r.timers[userID] = time.AfterFunc(delay, func() { r.fire(userID) })
	r.mu.Unlock()

	slog.Debug("demotion scheduled", "user", userID, "in", delay)
}

// CancelDemotion disarms the user's timer; a reconnection within the window
// produces no published event for the transient blip.
func (r *Reaper) CancelDemotion(userID string) {
	r.mu.Lock()
	if t, ok := r.timers[userID]; ok {
		t.Stop()
		delete(r.timers, userID)
	}
	r.mu.Unlock()
}

func (r *Reaper) fire(userID string) {
	r.mu.Lock()
	delete(r.timers, userID)
	r.mu.Unlock()

	r.reg.DemoteIfIdle(userID)
}

// Pending returns the number of armed demotion timers.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// StartSweeper launches the background eviction sweep. Call Stop to shut it
// down.
func (r *Reaper) StartSweeper() {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	go r.sweepLoop()
	slog.Info("reaper started",
		"grace", r.cfg.Grace,
		"evict_after", r.cfg.EvictAfter,
		"sweep_interval", r.cfg.SweepInterval)
}

// Stop shuts down the sweep loop and disarms all pending timers.
func (r *Reaper) Stop() {
	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
		r.sweepStop = nil
		r.sweepDone = nil
	}

	r.mu.Lock()
	for userID, t := range r.timers {
		t.Stop()
		delete(r.timers, userID)
	}
	r.mu.Unlock()
}

func (r *Reaper) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			if n := r.reg.EvictIdle(time.Now().UTC(), r.cfg.EvictAfter); n > 0 {
				slog.Debug("evicted idle presence records", "count", n)
			}
		}
	}
}
