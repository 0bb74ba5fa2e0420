package health

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(onEvent func(Event)) (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(onEvent, WithStalenessMs(1000), WithCheckIntervalMs(100), withClock(clock.Now))
	return m, clock
}

func TestMonitor_NoTickNeverStale(t *testing.T) {
	var events []Event
	m, _ := newTestMonitor(func(e Event) { events = append(events, e) })
	m.checkStaleness()
	if len(events) != 0 {
		t.Fatalf("expected no events before any tick, got %v", events)
	}
	if m.IsStale() {
		t.Fatalf("expected not stale before any tick")
	}
}

func TestMonitor_StaleThenResumedEdgeOnly(t *testing.T) {
	var events []Event
	m, clock := newTestMonitor(func(e Event) { events = append(events, e) })

	m.RecordTick()
	if len(events) != 0 {
		t.Fatalf("expected no event right after a fresh tick, got %v", events)
	}

	clock.Advance(1100 * time.Millisecond)
	m.checkStaleness()
	m.checkStaleness() // repeated steady-state check must not re-fire
	if len(events) != 1 || events[0] != EventStale {
		t.Fatalf("expected exactly one stale event, got %v", events)
	}

	m.RecordTick() // fresh tick should flip back and fire tick_resumed
	if len(events) != 2 || events[1] != EventTickResumed {
		t.Fatalf("expected tick_resumed after fresh tick, got %v", events)
	}

	m.checkStaleness()
	if len(events) != 2 {
		t.Fatalf("expected no additional events on steady non-stale state, got %v", events)
	}
}

func TestMonitor_StopPreservesLastTick(t *testing.T) {
	var events []Event
	m, clock := newTestMonitor(func(e Event) { events = append(events, e) })

	m.RecordTick()
	m.Stop()
	if m.IsStale() {
		t.Fatalf("Stop must clear isStale")
	}
	if m.lastTick == nil {
		t.Fatalf("Stop must preserve lastTick")
	}

	clock.Advance(2 * time.Second)
	m.checkStaleness()
	if !m.IsStale() {
		t.Fatalf("expected staleness computed from the preserved lastTick")
	}
}

func TestMonitor_StartIsIdempotentAndReplacesTicker(t *testing.T) {
	m, _ := newTestMonitor(func(Event) {})
	m.Start()
	first := m.cancel
	m.Start()
	m.mu.Lock()
	second := m.cancel
	m.mu.Unlock()
	if first == second {
		t.Fatalf("expected Start to replace the cancel channel")
	}
	select {
	case <-first:
	default:
		t.Fatalf("expected the first cancel channel to be closed")
	}
	m.Stop()
}
