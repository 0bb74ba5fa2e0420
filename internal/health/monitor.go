// Package health implements per-session staleness detection (spec §4.2): a
// session reports ticks as they arrive, and the monitor raises an edge-
// triggered event when the feed goes quiet for too long, or resumes.
package health

import (
	"sync"
	"time"
)

const (
	defaultStalenessMs     = 60000
	defaultCheckIntervalMs = 30000
)

// Event is emitted on a stale/resumed edge transition only, never on steady
// state, matching the spec's "emits once per transition" requirement.
type Event string

const (
	EventStale       Event = "stale"
	EventTickResumed Event = "tick_resumed"
)

// Monitor tracks the age of the last observed tick and periodically checks
// it for staleness. Safe for concurrent use: RecordTick is expected to be
// called from the session's read loop while Start/Stop are called from
// supervising goroutines.
type Monitor struct {
	stalenessMs     int64
	checkIntervalMs int64
	onEvent         func(Event)
	now             func() time.Time

	mu        sync.Mutex
	lastTick  *int64 // epoch ms, nil until the first tick
	isStale   bool
	cancel    chan struct{}
	running   bool
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithStalenessMs overrides the default 60000ms staleness threshold.
func WithStalenessMs(ms int64) Option {
	return func(m *Monitor) { m.stalenessMs = ms }
}

// WithCheckIntervalMs overrides the default 30000ms check period.
func WithCheckIntervalMs(ms int64) Option {
	return func(m *Monitor) { m.checkIntervalMs = ms }
}

// withClock is a test hook; production callers never need it.
func withClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New builds a Monitor that calls onEvent on every stale/tick_resumed edge.
func New(onEvent func(Event), opts ...Option) *Monitor {
	m := &Monitor{
		stalenessMs:     defaultStalenessMs,
		checkIntervalMs: defaultCheckIntervalMs,
		onEvent:         onEvent,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins periodic staleness checks. Idempotent: calling Start while
// already running stops the previous ticker first and starts a fresh one.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		close(m.cancel)
	}
	m.cancel = make(chan struct{})
	m.running = true
	cancel := m.cancel
	m.mu.Unlock()

	go m.loop(cancel)
}

// Stop halts periodic checks and clears the stale flag, but preserves
// lastTick so a later RecordTick still computes elapsed time correctly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.running {
		close(m.cancel)
		m.running = false
	}
	m.isStale = false
	m.mu.Unlock()
}

// RecordTick marks that a tick was just observed and immediately
// re-evaluates staleness, so a resumed feed fires tick_resumed without
// waiting for the next periodic tick.
func (m *Monitor) RecordTick() {
	m.mu.Lock()
	now := m.now().UnixMilli()
	m.lastTick = &now
	m.mu.Unlock()

	m.checkStaleness()
}

// IsStale reports the current staleness flag.
func (m *Monitor) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isStale
}

func (m *Monitor) loop(cancel chan struct{}) {
	ticker := time.NewTicker(time.Duration(m.checkIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			m.checkStaleness()
		}
	}
}

// checkStaleness compares elapsed time against the threshold and fires an
// event only on a false->true or true->false transition.
func (m *Monitor) checkStaleness() {
	m.mu.Lock()
	var stale bool
	if m.lastTick != nil {
		elapsed := m.now().UnixMilli() - *m.lastTick
		stale = elapsed > m.stalenessMs
	}

	prev := m.isStale
	m.isStale = stale
	changed := prev != stale
	m.mu.Unlock()

	if !changed || m.onEvent == nil {
		return
	}
	if stale {
		m.onEvent(EventStale)
	} else {
		m.onEvent(EventTickResumed)
	}
}
