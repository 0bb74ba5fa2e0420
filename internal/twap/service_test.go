package twap

import (
	"testing"

	"github.com/feedgate/gateway/internal/model"
	"github.com/rs/zerolog"
)

func TestService_InitializeFromHistoryEmitsHistoricalUpdate(t *testing.T) {
	var updates []Update
	s := New(zerolog.Nop(), func(u Update) { updates = append(updates, u) }, nil)

	bars := []model.M1Bar{
		{Close: 1.1, TimestampMs: 1000},
		{Close: 1.3, TimestampMs: 2000},
	}
	s.InitializeFromHistory("EURUSD", bars, model.SourceCTrader)

	if len(updates) != 1 {
		t.Fatalf("expected 1 historical update, got %d", len(updates))
	}
	u := updates[0]
	if !u.IsHistorical {
		t.Fatalf("expected IsHistorical=true")
	}
	if u.Contributions != 2 {
		t.Fatalf("expected contributions=2, got %d", u.Contributions)
	}
	want := (1.1 + 1.3) / 2
	if diff := u.TWAPValue - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected twap=%v got %v", want, u.TWAPValue)
	}
}

func TestService_OnM1Bar_DedupBySymbolSourceTimestamp(t *testing.T) {
	var updates []Update
	s := New(zerolog.Nop(), func(u Update) { updates = append(updates, u) }, nil)

	bar := model.M1Bar{Close: 1.2, TimestampMs: 500}
	s.OnM1Bar("EURUSD", bar, model.SourceCTrader)
	s.OnM1Bar("EURUSD", bar, model.SourceCTrader) // duplicate, same source+timestamp

	if len(updates) != 1 {
		t.Fatalf("expected exactly 1 update for duplicate bar, got %d", len(updates))
	}
}

func TestService_OnM1Bar_SameTimestampDifferentSourceIsNotDeduped(t *testing.T) {
	var updates []Update
	s := New(zerolog.Nop(), func(u Update) { updates = append(updates, u) }, nil)

	bar1 := model.M1Bar{Close: 1.2, TimestampMs: 500}
	bar2 := model.M1Bar{Close: 1.25, TimestampMs: 500}
	s.OnM1Bar("EURUSD", bar1, model.SourceCTrader)
	s.OnM1Bar("EURUSD", bar2, model.SourceTradingView)

	if len(updates) != 2 {
		t.Fatalf("expected 2 updates (distinct sources, asymmetric dedup per spec), got %d", len(updates))
	}
}

func TestService_OnM1Bar_InvalidBarEmitsError(t *testing.T) {
	var errs []ErrorUpdate
	s := New(zerolog.Nop(), nil, func(e ErrorUpdate) { errs = append(errs, e) })

	s.OnM1Bar("EURUSD", model.M1Bar{Close: posInf(), TimestampMs: 1}, model.SourceCTrader)
	if len(errs) != 1 || errs[0].Code != "INVALID_BAR_DATA" {
		t.Fatalf("expected INVALID_BAR_DATA error, got %v", errs)
	}
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}
