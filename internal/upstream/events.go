// Package upstream defines the tagged event type emitted by both provider
// sessions (cTrader, TradingView) toward the gateway. The reference system
// this was modeled on emits untyped event names ("tick", "m1Bar", "stale");
// here every event kind is a case of one closed sum type, so a consumer
// switches over one finite, named set of Kind values (spec Design Notes §9).
// The Go compiler does not check such a switch for missing cases.
package upstream

import "github.com/feedgate/gateway/internal/model"

// Kind discriminates the cases of Event.
type Kind int

const (
	// KindTick carries a normalized bid/ask quote.
	KindTick Kind = iota
	// KindM1Bar carries a completed one-minute OHLC bar.
	KindM1Bar
	// KindSymbolDataPackage carries a one-shot bootstrap package.
	KindSymbolDataPackage
	// KindSymbolError carries a per-symbol error isolated to that symbol
	// (not found, empty series, completion timeout).
	KindSymbolError
	// KindStale carries the session's HealthMonitor stale transition.
	KindStale
	// KindTickResumed carries the session's HealthMonitor resumed transition.
	KindTickResumed
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindM1Bar:
		return "m1Bar"
	case KindSymbolDataPackage:
		return "symbolDataPackage"
	case KindSymbolError:
		return "error"
	case KindStale:
		return "stale"
	case KindTickResumed:
		return "tick_resumed"
	default:
		return "unknown"
	}
}

// Event is the normalized output of a provider session. Only the field(s)
// matching Kind are populated; callers should switch on Kind rather than
// probe fields.
type Event struct {
	Kind    Kind
	Source  model.Source
	Tick    model.Tick
	Bar     model.M1Bar
	Package model.SymbolDataPackage
	Symbol  string
	Err     error
}

// TickEvent builds a KindTick event.
func TickEvent(t model.Tick) Event {
	return Event{Kind: KindTick, Source: t.Source, Symbol: t.Symbol, Tick: t}
}

// M1BarEvent builds a KindM1Bar event.
func M1BarEvent(b model.M1Bar) Event {
	return Event{Kind: KindM1Bar, Source: b.Source, Symbol: b.Symbol, Bar: b}
}

// SymbolDataPackageEvent builds a KindSymbolDataPackage event.
func SymbolDataPackageEvent(p model.SymbolDataPackage) Event {
	return Event{Kind: KindSymbolDataPackage, Source: p.Source, Symbol: p.Symbol, Package: p}
}

// SymbolErrorEvent builds a KindSymbolError event isolated to one symbol.
func SymbolErrorEvent(source model.Source, symbol string, err error) Event {
	return Event{Kind: KindSymbolError, Source: source, Symbol: symbol, Err: err}
}

// StaleEvent builds a KindStale session-wide event.
func StaleEvent(source model.Source) Event {
	return Event{Kind: KindStale, Source: source}
}

// TickResumedEvent builds a KindTickResumed session-wide event.
func TickResumedEvent(source model.Source) Event {
	return Event{Kind: KindTickResumed, Source: source}
}
