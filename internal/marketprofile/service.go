// Package marketprofile maintains the per-symbol time-price-opportunity
// histogram (spec §3, §4.8): how many one-minute bars touched each price
// bucket during the trading session.
package marketprofile

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/feedgate/gateway/internal/model"
	"github.com/rs/zerolog"
)

// MaxLevels is the soft cap on distinct price buckets a symbol's profile may
// hold before updates are refused (spec §3).
const MaxLevels = 3000

// maxBucketsPerBar caps the inner per-bar bucket-stepping loop so a bar with
// a pathological high/low spread cannot spin indefinitely.
const maxBucketsPerBar = 5000

// Level is one bucket's TPO count, used for the sorted wire representation.
type Level struct {
	Price float64
	TPO   int
}

// Update is the payload of a profileUpdate event (spec §6).
type Update struct {
	Symbol     string
	Profile    []Level
	BucketSize float64
	Seq        int
	Source     model.Source
}

// ErrorUpdate is the payload of a profileError event.
type ErrorUpdate struct {
	Symbol  string
	Code    string
	Message string
}

type symbolState struct {
	mu               sync.Mutex
	levels           map[float64]int
	bucketSize       float64
	source           model.Source
	seq              int
	lastBarTimestamp int64
	hasLastBar       bool
	capExceeded      bool
}

// Service is the process-wide market-profile state, one symbolState per
// symbol (spec §3: "live until process exit; replaced, not merged, on a new
// bootstrap"). Per-symbol state serializes its own updates (spec §5); the
// top-level map itself is guarded by its own lock for subscribe/lookup.
type Service struct {
	log zerolog.Logger

	onUpdate func(Update)
	onError  func(ErrorUpdate)

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// New builds a Service. onUpdate/onError are invoked synchronously from
// whichever goroutine delivers the bar; callers needing async fan-out
// should make them non-blocking.
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
		st = &symbolState{levels: make(map[float64]int)}
		s.symbols[symbol] = st
	}
	return st
}

// SubscribeToSymbol ensures state exists for symbol, recording bucketSize
// and source (spec §4.8). Note: the profile keys by symbol only, so a
// symbol subscribed from both sources clobbers attribution — this is
// preserved from the spec verbatim (§9 Design Notes), not fixed here.
func (s *Service) SubscribeToSymbol(symbol string, source model.Source) {
	st := s.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bucketSize = model.BucketSize(symbol)
	st.source = source
}

// InitializeFromHistory replaces any existing levels for symbol with a
// fresh histogram built from bars (spec §4.8, §3: bootstrap replaces, never
// merges).
func (s *Service) InitializeFromHistory(symbol string, bars []model.M1Bar, bucketSize float64, source model.Source) {
	st := s.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.levels = make(map[float64]int)
	st.bucketSize = bucketSize
	st.source = source
	st.seq = 0
	st.hasLastBar = false
	st.capExceeded = false

	for _, bar := range bars {
		applyBarBuckets(st.levels, bar, bucketSize)
	}
}

// OnM1Bar applies one live bar to symbol's histogram, deduping on bar
// timestamp and emitting profileUpdate/profileError via the configured
// callbacks (spec §4.8).
func (s *Service) OnM1Bar(symbol string, bar model.M1Bar) {
	if !isFinite(bar.Low) || !isFinite(bar.High) {
		s.log.Warn().Str("symbol", symbol).Msg("market profile: non-finite bar, dropped")
		return
	}

	st := s.stateFor(symbol)
	st.mu.Lock()

	if st.hasLastBar && st.lastBarTimestamp == bar.TimestampMs {
		st.mu.Unlock()
		return
	}
	st.lastBarTimestamp = bar.TimestampMs
	st.hasLastBar = true

	if len(st.levels) >= MaxLevels {
		st.capExceeded = true
		st.mu.Unlock()
		if s.onError != nil {
			s.onError(ErrorUpdate{Symbol: symbol, Code: "MAX_LEVELS_EXCEEDED", Message: fmt.Sprintf("profile exceeded %d levels", MaxLevels)})
		}
		return
	}

	applyBarBuckets(st.levels, bar, st.bucketSize)
	st.seq++
	update := Update{
		Symbol:     symbol,
		Profile:    sortedLevels(st.levels),
		BucketSize: st.bucketSize,
		Seq:        st.seq,
		Source:     st.source,
	}
	st.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

// applyBarBuckets increments every bucket in [floor(low/bucket)*bucket,
// high] stepping by bucketSize, each price rounded to 5 decimals, capped at
// maxBucketsPerBar buckets for this single bar (spec §3, §4.8).
func applyBarBuckets(levels map[float64]int, bar model.M1Bar, bucketSize float64) {
	if bucketSize <= 0 {
		return
	}
	start := math.Floor(bar.Low/bucketSize) * bucketSize
	for i := 0; i < maxBucketsPerBar; i++ {
		price := start + float64(i)*bucketSize
		if price > bar.High {
			break
		}
		levels[roundTo5(price)]++
	}
}

func roundTo5(f float64) float64 {
	return math.Round(f*1e5) / 1e5
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func sortedLevels(levels map[float64]int) []Level {
	out := make([]Level, 0, len(levels))
	for price, tpo := range levels {
		out = append(out, Level{Price: price, TPO: tpo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
