package readiness

import (
	"sync"
	"time"
)

// State is the log-derived lifecycle status of the upstream model process.
type State string

const (
	StateStarting State = "starting"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Tracker holds the single readiness state for a worker process. The log
// monitor is the only writer; request handlers and the monitoring service
// only read it.
type Tracker struct {
	mu        sync.RWMutex
	state     State
	reason    string
	startedAt time.Time
	changedAt time.Time
}

func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		state:     StateStarting,
		startedAt: now,
		changedAt: now,
	}
}

// MarkLoading moves Starting to Loading. Any other state is left alone.
func (t *Tracker) MarkLoading() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStarting {
		t.setLocked(StateLoading, "")
	}
}

// MarkReady transitions to Ready. Idempotent when already Ready; ignored
// once Failed, since a dead model process cannot self-heal via log text.
func (t *Tracker) MarkReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed || t.state == StateReady {
		return
	}
	t.setLocked(StateReady, "")
}

// MarkFailed transitions to the terminal Failed state from any state.
func (t *Tracker) MarkFailed(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return
	}
	t.setLocked(StateFailed, reason)
}

func (t *Tracker) setLocked(s State, reason string) {
	t.state = s
	t.reason = reason
	t.changedAt = time.Now()
}

// Current returns the state and, for Failed, the reason recorded with it.
func (t *Tracker) Current() (State, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.reason
}

// Ready reports whether live traffic may be dispatched upstream.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == StateReady
}

// Uptime is the time since the tracker was created.
func (t *Tracker) Uptime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.startedAt)
}
