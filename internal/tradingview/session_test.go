package tradingview

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/feedgate/gateway/internal/upstream"
	"github.com/rs/zerolog"
)

// fakeTransport records every sent message and lets the test push inbound
// messages directly, mirroring the ctrader package's test harness.
type fakeTransport struct {
	mu   sync.Mutex
	sent []message
	in   chan message
	done chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan message, 64), done: make(chan struct{})}
}

func (f *fakeTransport) send(m message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) recv() <-chan message   { return f.in }
func (f *fakeTransport) closed() <-chan struct{} { return f.done }
func (f *fakeTransport) close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) chartSessionsFor(symbol string) (d1, m1 string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// chart session ids are assigned by the session before resolve_symbol;
	// recover them from the resolve_symbol messages carrying Symbol.
	var ids []string
	for _, m := range f.sent {
		if m.Method == methodResolveSymbol && m.Symbol == symbol {
			ids = append(ids, m.ChartSession)
		}
	}
	if len(ids) != 2 {
		return "", ""
	}
	return ids[0], ids[1]
}

type eventSink struct {
	mu     sync.Mutex
	events []upstream.Event
}

func (s *eventSink) record(e upstream.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) find(kind upstream.Kind) *upstream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].Kind == kind {
			e := s.events[i]
			return &e
		}
	}
	return nil
}

func (s *eventSink) count(kind upstream.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, tr *fakeTransport, sink *eventSink) *Session {
	t.Helper()
	s := New(Config{URL: "wss://fake"}, zerolog.Nop(), sink.record)
	s.dial = func(ctx context.Context, url string) (transport, error) { return tr, nil }
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return s
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestSession_DualSeriesCompletionEmitsPackageOnlyAfterBoth(t *testing.T) {
	tr := newFakeTransport()
	sink := &eventSink{}
	s := newTestSession(t, tr, sink)

	if err := s.SubscribeToSymbol(context.Background(), "EURUSD", 14); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitUntil(t, func() bool { d1, m1 := tr.chartSessionsFor("EURUSD"); return d1 != "" && m1 != "" })
	d1, m1 := tr.chartSessionsFor("EURUSD")

	tr.in <- message{Method: methodTimescaleUpdate, ChartSession: d1, Bars: []wireBar{{TimeSeconds: 1000, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15}}}
	tr.in <- message{Method: methodSeriesCompleted, ChartSession: d1}

	time.Sleep(30 * time.Millisecond)
	if sink.find(upstream.KindSymbolDataPackage) != nil {
		t.Fatalf("package must not be emitted after only D1 completes")
	}

	tr.in <- message{Method: methodTimescaleUpdate, ChartSession: m1, Bars: []wireBar{{TimeSeconds: 2000, Open: 1.1, High: 1.11, Low: 1.09, Close: 1.105}}}
	tr.in <- message{Method: methodSeriesCompleted, ChartSession: m1}

	waitUntil(t, func() bool { return sink.find(upstream.KindSymbolDataPackage) != nil })
	pkg := sink.find(upstream.KindSymbolDataPackage).Package
	if pkg.Symbol != "EURUSD" {
		t.Fatalf("unexpected package: %+v", pkg)
	}
	s.Disconnect()
}

func TestSession_D1CompletionWithZeroBarsEmitsError(t *testing.T) {
	tr := newFakeTransport()
	sink := &eventSink{}
	s := newTestSession(t, tr, sink)

	if err := s.SubscribeToSymbol(context.Background(), "EURUSD", 14); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitUntil(t, func() bool { d1, _ := tr.chartSessionsFor("EURUSD"); return d1 != "" })
	d1, _ := tr.chartSessionsFor("EURUSD")

	tr.in <- message{Method: methodSeriesCompleted, ChartSession: d1} // no bars ever arrived

	waitUntil(t, func() bool { return sink.find(upstream.KindSymbolError) != nil })
	s.Disconnect()
}

func TestSession_CompletionTimeoutEmitsErrorWithoutPackage(t *testing.T) {
	tr := newFakeTransport()
	sink := &eventSink{}
	s := newTestSession(t, tr, sink)

	sub := &symbolSub{symbol: "EURUSD", lookbackDays: 14}
	s.mu.Lock()
	s.subscriptions["EURUSD"] = sub
	sub.completionTimer = time.AfterFunc(5*time.Millisecond, func() { s.onCompletionTimeout("EURUSD") })
	s.mu.Unlock()

	waitUntil(t, func() bool { return sink.find(upstream.KindSymbolError) != nil })
	if sink.find(upstream.KindSymbolDataPackage) != nil {
		t.Fatalf("expected no package after a completion timeout")
	}
	s.Disconnect()
}

func TestSession_M1HardCapTruncatesIngestion(t *testing.T) {
	tr := newFakeTransport()
	sink := &eventSink{}
	s := newTestSession(t, tr, sink)
	if err := s.SubscribeToSymbol(context.Background(), "EURUSD", 14); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitUntil(t, func() bool { _, m1 := tr.chartSessionsFor("EURUSD"); return m1 != "" })
	_, m1 := tr.chartSessionsFor("EURUSD")

	bars := make([]wireBar, hardCapM1BarsPerIngestion+200)
	for i := range bars {
		bars[i] = wireBar{TimeSeconds: int64(i), Open: 1, High: 1.01, Low: 0.99, Close: 1}
	}
	tr.in <- message{Method: methodDU, ChartSession: m1, Bars: bars}

	waitUntil(t, func() bool { return sink.find(upstream.KindM1Bar) != nil })

	sub := s.subFor("EURUSD")
	if len(sub.m1Candles) != hardCapM1BarsPerIngestion {
		t.Fatalf("expected truncation to %d bars, got %d", hardCapM1BarsPerIngestion, len(sub.m1Candles))
	}
	s.Disconnect()
}
