package reconnect

import (
	"testing"
	"time"
)

func TestManager_NextDelayGrowsExponentiallyAndCaps(t *testing.T) {
	m := New(WithInitialDelay(time.Second), WithMaxDelay(60*time.Second))
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s would exceed max, capped
		{20, 60 * time.Second},
	}
	for _, c := range cases {
		if got := m.NextDelay(c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

// manualSleeper lets tests fire the "timer" deterministically instead of
// waiting on a real clock.
type manualSleeper struct {
	fire chan time.Time
}

func newManualSleeper() *manualSleeper {
	return &manualSleeper{fire: make(chan time.Time, 16)}
}

func (s *manualSleeper) sleep(time.Duration) <-chan time.Time {
	return s.fire
}

func TestManager_ScheduleReconnectFiresAfterDelay(t *testing.T) {
	sleeper := newManualSleeper()
	m := New(withSleep(sleeper.sleep))

	done := make(chan struct{})
	m.ScheduleReconnect(func() { close(done) })

	sleeper.fire <- time.Now()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect was never invoked")
	}
	if m.Attempts() != 1 {
		t.Fatalf("expected attempts=1, got %d", m.Attempts())
	}
}

func TestManager_SecondScheduleCancelsFirst(t *testing.T) {
	sleeper := newManualSleeper()
	m := New(withSleep(sleeper.sleep))

	firstCalled := make(chan struct{})
	m.ScheduleReconnect(func() { close(firstCalled) })

	secondCalled := make(chan struct{})
	m.ScheduleReconnect(func() { close(secondCalled) })

	// Only one outstanding timer remains armed; fire it once.
	sleeper.fire <- time.Now()

	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("second scheduled reconnect was never invoked")
	}
	select {
	case <-firstCalled:
		t.Fatal("first scheduled reconnect fired after being superseded")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_CancelPreventsReconnect(t *testing.T) {
	sleeper := newManualSleeper()
	m := New(withSleep(sleeper.sleep))

	called := make(chan struct{})
	m.ScheduleReconnect(func() { close(called) })
	m.Cancel()
	sleeper.fire <- time.Now()

	select {
	case <-called:
		t.Fatal("reconnect fired after Cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_ResetClearsAttempts(t *testing.T) {
	sleeper := newManualSleeper()
	m := New(withSleep(sleeper.sleep))

	m.ScheduleReconnect(func() {})
	sleeper.fire <- time.Now()
	time.Sleep(20 * time.Millisecond)
	if m.Attempts() == 0 {
		t.Fatalf("expected attempts to have advanced")
	}

	m.Reset()
	if m.Attempts() != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", m.Attempts())
	}
}
