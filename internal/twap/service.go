// Package twap maintains the per-symbol time-weighted average price: a
// running mean of one-minute closes (spec §3, §4.9).
package twap

import (
	"math"
	"sync"
	"time"

	"github.com/feedgate/gateway/internal/model"
	"github.com/rs/zerolog"
)

// Update is the payload of a twapUpdate event (spec §6).
type Update struct {
	Symbol        string
	Source        model.Source
	TWAPValue     float64
	TimestampMs   int64
	Contributions int
	IsHistorical  bool
}

// ErrorUpdate is the payload of an error event raised for an invalid bar.
type ErrorUpdate struct {
	Symbol string
	Code   string
}

type symbolState struct {
	mu           sync.Mutex
	sum          float64
	count        int
	sessionStart int64
	lastUpdate   int64
	source       model.Source
	lastKey      dedupKey
	hasLastKey   bool
}

type dedupKey struct {
	source      model.Source
	timestampMs int64
}

// Service is the process-wide TWAP state, one symbolState per symbol.
type Service struct {
	log zerolog.Logger

	onUpdate func(Update)
	onError  func(ErrorUpdate)

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// New builds a Service.
func New(log zerolog.Logger, onUpdate func(Update), onError func(ErrorUpdate)) *Service {
	return &Service{
		log:      log,
		onUpdate: onUpdate,
		onError:  onError,
		symbols:  make(map[string]*symbolState),
	}
}

func (s *Service) stateFor(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.symbols[symbol]
	if st == nil {
		st = &symbolState{}
		s.symbols[symbol] = st
	}
	return st
}

// InitializeFromHistory seeds symbol's running sum from a bootstrap bar
// sequence and emits one historical twapUpdate (spec §4.9). Replaces any
// prior state for symbol, matching the package bootstrap-replaces-not-
// merges lifetime (spec §3). An empty bar sequence leaves any existing
// state untouched and emits nothing.
func (s *Service) InitializeFromHistory(symbol string, bars []model.M1Bar, source model.Source) {
	if len(bars) == 0 {
		return
	}
	st := s.stateFor(symbol)
	st.mu.Lock()

	sum := 0.0
	for _, b := range bars {
		sum += b.Close
	}
	st.sum = sum
	st.count = len(bars)
	st.sessionStart = bars[0].TimestampMs
	st.lastUpdate = bars[len(bars)-1].TimestampMs
	st.source = source
	st.hasLastKey = false

	update := Update{
		Symbol:        symbol,
		Source:        source,
		TWAPValue:     st.sum / float64(st.count),
		TimestampMs:   time.Now().UnixMilli(),
		Contributions: st.count,
		IsHistorical:  true,
	}
	st.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

// OnM1Bar accumulates one live bar into symbol's running mean, deduping by
// (symbol, source, bar.timestamp_ms) (spec §4.9; intentionally a different
// dedup key shape than MarketProfileService's (symbol, timestamp) — see
// §9 Design Notes on the asymmetry, preserved here as specified).
func (s *Service) OnM1Bar(symbol string, bar model.M1Bar, source model.Source) {
	if !isFinite(bar.Close) {
		if s.onError != nil {
			s.onError(ErrorUpdate{Symbol: symbol, Code: "INVALID_BAR_DATA"})
		}
		return
	}

	st := s.stateFor(symbol)
	st.mu.Lock()

	key := dedupKey{source: source, timestampMs: bar.TimestampMs}
	if st.hasLastKey && st.lastKey == key {
		st.mu.Unlock()
		return
	}
	st.lastKey = key
	st.hasLastKey = true

	if st.count == 0 {
		st.sessionStart = bar.TimestampMs
	}
	st.sum += bar.Close
	st.count++
	st.lastUpdate = bar.TimestampMs
	st.source = source

	update := Update{
		Symbol:        symbol,
		Source:        source,
		TWAPValue:     st.sum / float64(st.count),
		TimestampMs:   time.Now().UnixMilli(),
		Contributions: st.count,
		IsHistorical:  false,
	}
	st.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
