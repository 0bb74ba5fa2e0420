package tradingview

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedgate/gateway/internal/health"
	"github.com/feedgate/gateway/internal/metrics"
	"github.com/feedgate/gateway/internal/model"
	"github.com/feedgate/gateway/internal/reconnect"
	"github.com/feedgate/gateway/internal/upstream"
	"github.com/rs/zerolog"
)

// State mirrors provider A's lifecycle (spec §4.5: "identical lifecycle as
// C4").
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

// completionTimeout is how long a symbol's dual-series load may run before
// the session gives up and reports an error for it (spec §4.5).
const completionTimeout = 30 * time.Second

const hardCapM1BarsPerIngestion = 1500

type dialFunc func(ctx context.Context, url string) (transport, error)

// Config holds the provider-B connection target.
type Config struct {
	URL       string
	SessionID string
}

type symbolSub struct {
	symbol            string
	d1ChartSession    string
	m1ChartSession    string
	lookbackDays      int
	historicalCandles []model.D1Bar
	m1Candles         []model.M1Bar
	lastCandle        *model.D1Bar
	d1Complete        bool
	m1Complete        bool
	initialSent       bool
	completionTimer   *time.Timer
}

type chartRef struct {
	symbol string
	series seriesID
}

// Session implements the C5 dual-series state machine.
type Session struct {
	cfg Config
	log zerolog.Logger
	dial dialFunc

	onEvent func(upstream.Event)

	health     *health.Monitor
	reconnects *reconnect.Manager

	mu              sync.Mutex
	state           State
	shouldReconnect bool
	tr              transport
	chartSeq        int64
	subscriptions   map[string]*symbolSub
	chartOwners     map[string]chartRef
}

// New builds a Session.
func New(cfg Config, log zerolog.Logger, onEvent func(upstream.Event)) *Session {
	return &Session{
		cfg:           cfg,
		log:           log,
		dial:          dialTransport,
		onEvent:       onEvent,
		subscriptions: make(map[string]*symbolSub),
		chartOwners:   make(map[string]chartRef),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.UpstreamSessionState.WithLabelValues(string(model.SourceTradingView)).Set(float64(st))
}

// Connect dials the upstream and starts the dispatch loop (spec §4.5
// reconnect policy: identical lifecycle to C4).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.shouldReconnect = true
	s.mu.Unlock()

	if s.health == nil {
		s.health = health.New(func(e health.Event) {
			switch e {
			case health.EventStale:
				s.setState(StateDegraded)
				if s.onEvent != nil {
					s.onEvent(upstream.StaleEvent(model.SourceTradingView))
				}
			case health.EventTickResumed:
				s.setState(StateConnected)
				if s.onEvent != nil {
					s.onEvent(upstream.TickResumedEvent(model.SourceTradingView))
				}
			}
		})
	}
	if s.reconnects == nil {
		s.reconnects = reconnect.New()
	}

	return s.connectOnce(ctx)
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)
	tr, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		s.handleDisconnect()
		return fmt.Errorf("connect provider B: %w", err)
	}

	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()

	go s.dispatchLoop(tr)

	s.health.Start()
	s.reconnects.Reset()
	s.setState(StateConnected)
	return nil
}

func (s *Session) dispatchLoop(tr transport) {
	for {
		select {
		case m, ok := <-tr.recv():
			if !ok {
				s.handleDisconnect()
				return
			}
			s.route(m)
		case <-tr.closed():
			return
		}
	}
}

func (s *Session) route(m message) {
	switch m.Method {
	case methodTimescaleUpdate, methodDU:
		s.handleCandleUpdate(m)
	case methodSeriesCompleted:
		s.handleSeriesCompleted(m)
	case methodSymbolError:
		s.handleSymbolError(m)
	}
}

func (s *Session) ownerOf(chartSession string) (chartRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.chartOwners[chartSession]
	return ref, ok
}

func (s *Session) subFor(symbol string) *symbolSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[symbol]
}

func (s *Session) handleCandleUpdate(m message) {
	ref, ok := s.ownerOf(m.ChartSession)
	if !ok {
		return
	}
	sub := s.subFor(ref.symbol)
	if sub == nil {
		return
	}

	switch ref.series {
	case seriesD1:
		s.handleD1Update(sub, m.Bars)
	case seriesM1:
		s.handleM1Update(sub, m.Bars)
	}
}

func (s *Session) handleD1Update(sub *symbolSub, bars []wireBar) {
	if len(bars) == 0 {
		return
	}
	s.mu.Lock()
	parsed := make([]model.D1Bar, 0, len(bars))
	for _, b := range bars {
		parsed = append(parsed, model.D1Bar{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, TimestampMs: b.TimeSeconds * 1000})
	}
	if !sub.initialSent {
		sub.historicalCandles = append(sub.historicalCandles, parsed...)
	}
	last := parsed[len(parsed)-1]
	sub.lastCandle = &last
	s.mu.Unlock()

	tick := model.Tick{
		Symbol:      sub.symbol,
		Source:      model.SourceTradingView,
		Bid:         last.Close,
		Ask:         last.Close,
		TimestampMs: last.TimestampMs,
	}
	if tick.Valid() {
		s.health.RecordTick()
		if s.onEvent != nil {
			s.onEvent(upstream.TickEvent(tick))
		}
	}
}

func (s *Session) handleM1Update(sub *symbolSub, bars []wireBar) {
	if len(bars) == 0 {
		return
	}
	if len(bars) > hardCapM1BarsPerIngestion {
		s.log.Warn().Str("symbol", sub.symbol).Int("bars", len(bars)).
			Msg("tradingview: M1 ingestion exceeded hard cap, truncating")
		bars = bars[:hardCapM1BarsPerIngestion]
	}

	s.mu.Lock()
	parsed := make([]model.M1Bar, 0, len(bars))
	for _, b := range bars {
		parsed = append(parsed, model.M1Bar{
			Symbol: sub.symbol, Source: model.SourceTradingView,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
			TimestampMs: b.TimeSeconds * 1000,
		})
	}
	if !sub.initialSent {
		sub.m1Candles = append(sub.m1Candles, parsed...)
	}
	latest := parsed[len(parsed)-1]
	s.mu.Unlock()

	if s.onEvent != nil {
		s.onEvent(upstream.M1BarEvent(latest))
	}
}

func (s *Session) handleSeriesCompleted(m message) {
	ref, ok := s.ownerOf(m.ChartSession)
	if !ok {
		return
	}
	sub := s.subFor(ref.symbol)
	if sub == nil {
		return
	}

	s.mu.Lock()
	switch ref.series {
	case seriesD1:
		if len(sub.historicalCandles) == 0 {
			s.mu.Unlock()
			s.emitSymbolError(ref.symbol, fmt.Errorf("series_completed for D1 with zero historical bars"))
			return
		}
		sub.d1Complete = true
	case seriesM1:
		// M1 can legitimately complete with zero bars outside market
		// hours; only D1 requires a non-empty series (spec §4.5).
		sub.m1Complete = true
	}

	ready := sub.d1Complete && sub.m1Complete && !sub.initialSent
	if ready {
		sub.initialSent = true
		if sub.completionTimer != nil {
			sub.completionTimer.Stop()
			sub.completionTimer = nil
		}
	}
	s.mu.Unlock()

	if ready {
		pkg := buildBootstrapPackage(sub)
		if s.onEvent != nil {
			s.onEvent(upstream.SymbolDataPackageEvent(pkg))
		}
	}
}

func (s *Session) handleSymbolError(m message) {
	ref, ok := s.ownerOf(m.ChartSession)
	symbol := ref.symbol
	if !ok {
		symbol = m.Symbol
	}
	s.emitSymbolError(symbol, fmt.Errorf("%s", m.ErrorMessage))
}

func (s *Session) emitSymbolError(symbol string, err error) {
	s.log.Warn().Str("symbol", symbol).Err(err).Msg("tradingview: symbol error")
	if s.onEvent != nil {
		s.onEvent(upstream.SymbolErrorEvent(model.SourceTradingView, symbol, err))
	}
}

// SubscribeToSymbol creates the two independent chart sessions (D1, M1) for
// symbol and arms the 30s completion timeout (spec §4.5).
func (s *Session) SubscribeToSymbol(ctx context.Context, symbol string, lookbackDays int) error {
	s.mu.Lock()
	tr := s.tr
	if tr == nil {
		s.mu.Unlock()
		return fmt.Errorf("tradingview: not connected")
	}
	if _, exists := s.subscriptions[symbol]; exists {
		s.mu.Unlock()
		return nil
	}

	d1ChartSession := s.nextChartSessionID()
	m1ChartSession := s.nextChartSessionID()
	sub := &symbolSub{
		symbol:         symbol,
		d1ChartSession: d1ChartSession,
		m1ChartSession: m1ChartSession,
		lookbackDays:   lookbackDays,
	}
	s.subscriptions[symbol] = sub
	s.chartOwners[d1ChartSession] = chartRef{symbol: symbol, series: seriesD1}
	s.chartOwners[m1ChartSession] = chartRef{symbol: symbol, series: seriesM1}
	sub.completionTimer = time.AfterFunc(completionTimeout, func() {
		s.onCompletionTimeout(symbol)
	})
	s.mu.Unlock()

	for _, chart := range []struct {
		id     string
		series seriesID
	}{{d1ChartSession, seriesD1}, {m1ChartSession, seriesM1}} {
		if err := tr.send(message{Method: methodChartCreateSession, ChartSession: chart.id}); err != nil {
			return err
		}
		if err := tr.send(message{Method: methodResolveSymbol, ChartSession: chart.id, Symbol: symbol}); err != nil {
			return err
		}
		if err := tr.send(message{Method: methodCreateSeries, ChartSession: chart.id, Series: chart.series, ResolutionM1: chart.series == seriesM1}); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeFromSymbol tears down both chart sessions for symbol. Provider
// B has no documented per-series unsubscribe request (spec §6 lists only
// chart_create_session/resolve_symbol/create_series outbound), so this
// drops local bookkeeping; the upstream chart sessions are abandoned and
// any further updates for them are ignored via ownerOf's lookup miss.
func (s *Session) UnsubscribeFromSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[symbol]
	if !ok {
		return
	}
	if sub.completionTimer != nil {
		sub.completionTimer.Stop()
	}
	delete(s.chartOwners, sub.d1ChartSession)
	delete(s.chartOwners, sub.m1ChartSession)
	delete(s.subscriptions, symbol)
}

func (s *Session) onCompletionTimeout(symbol string) {
	sub := s.subFor(symbol)
	if sub == nil {
		return
	}
	s.mu.Lock()
	alreadySent := sub.initialSent
	s.mu.Unlock()
	if alreadySent {
		return
	}
	s.emitSymbolError(symbol, fmt.Errorf("dual-series completion timed out after %s", completionTimeout))
}

func (s *Session) nextChartSessionID() string {
	return fmt.Sprintf("cs_%d", atomic.AddInt64(&s.chartSeq, 1))
}

// buildBootstrapPackage implements the algorithm in spec §4.5.
func buildBootstrapPackage(sub *symbolSub) model.SymbolDataPackage {
	adr := model.ADRFromDailyBars(sub.historicalCandles, sub.lookbackDays)

	now := time.Now().UTC()
	startOfDayMs := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()

	var todaysM1 []model.M1Bar
	for _, b := range sub.m1Candles {
		if b.TimestampMs >= startOfDayMs {
			todaysM1 = append(todaysM1, b)
		}
	}

	var todaysOpen float64
	if len(todaysM1) > 0 {
		todaysOpen = todaysM1[0].Open
	} else if sub.lastCandle != nil {
		todaysOpen = sub.lastCandle.Close
	}

	price := todaysOpen
	if sub.lastCandle != nil {
		price = sub.lastCandle.Close
	}
	digits, pipPosition, pipSize, pipetteSize := estimatePipData(price)

	var prevDay *model.PrevDayOHLC
	if len(sub.historicalCandles) >= 2 {
		p := sub.historicalCandles[len(sub.historicalCandles)-2]
		prevDay = &model.PrevDayOHLC{Open: p.Open, High: p.High, Low: p.Low, Close: p.Close}
	}

	var initialPrice float64
	if sub.lastCandle != nil {
		initialPrice = sub.lastCandle.Close
	} else {
		initialPrice = todaysOpen
	}

	var todaysHigh, todaysLow float64
	if len(todaysM1) > 0 {
		todaysHigh, todaysLow = todaysM1[0].High, todaysM1[0].Low
		for _, b := range todaysM1[1:] {
			if b.High > todaysHigh {
				todaysHigh = b.High
			}
			if b.Low < todaysLow {
				todaysLow = b.Low
			}
		}
	}

	bucket := model.BucketSize(sub.symbol)
	return model.SymbolDataPackage{
		Symbol:               sub.symbol,
		Source:               model.SourceTradingView,
		Digits:               digits,
		ADR:                  adr,
		TodaysOpen:           todaysOpen,
		TodaysHigh:           todaysHigh,
		TodaysLow:            todaysLow,
		ProjectedADRHigh:     todaysOpen + adr/2,
		ProjectedADRLow:      todaysOpen - adr/2,
		InitialPrice:         initialPrice,
		InitialMarketProfile: todaysM1,
		PipPosition:          pipPosition,
		PipSize:              pipSize,
		PipetteSize:          pipetteSize,
		PrevDay:              prevDay,
		BucketSize:           &bucket,
	}
}

// estimatePipData is the magnitude-based workaround from spec §4.5:
// provider B does not expose pipPosition, so it is estimated from the
// instrument's price magnitude. This may misclassify some instruments.
func estimatePipData(price float64) (digits, pipPosition int, pipSize, pipetteSize float64) {
	abs := math.Abs(price)
	switch {
	case abs > 10000:
		digits, pipPosition = 0, 1
	case abs > 1000:
		digits, pipPosition = 1, 2
	case abs > 10:
		digits, pipPosition = 2, 3
	default:
		digits, pipPosition = 4, 5
	}
	info := model.SymbolInfo{PipPosition: pipPosition - 1}
	return digits, info.PipPosition, info.PipSize(), info.PipetteSize()
}

// Disconnect implements the explicit-disconnect path: stop reconnecting,
// cancel pending reconnect, stop the health monitor, close the socket,
// clear subscriptions (spec §5 Cancellation, §4.5).
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	tr := s.tr
	for _, sub := range s.subscriptions {
		if sub.completionTimer != nil {
			sub.completionTimer.Stop()
		}
	}
	s.subscriptions = make(map[string]*symbolSub)
	s.chartOwners = make(map[string]chartRef)
	s.mu.Unlock()

	if s.reconnects != nil {
		s.reconnects.Cancel()
	}
	if s.health != nil {
		s.health.Stop()
	}
	if tr != nil {
		_ = tr.close()
	}
	s.setState(StateClosed)
}

// Reconnect implements the manual reinit path (spec §5, §9): fully quiesce
// before reopening.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.shouldReconnect = true
	tr := s.tr
	s.mu.Unlock()

	if s.health != nil {
		s.health.Stop()
	}
	if s.reconnects != nil {
		s.reconnects.Cancel()
	}
	if tr != nil {
		_ = tr.close()
	}

	return s.connectOnce(ctx)
}

func (s *Session) handleDisconnect() {
	s.setState(StateDisconnected)
	if s.health != nil {
		s.health.Stop()
	}

	s.mu.Lock()
	shouldReconnect := s.shouldReconnect
	s.mu.Unlock()
	if !shouldReconnect || s.reconnects == nil {
		return
	}

	s.setState(StateReconnecting)
	s.reconnects.ScheduleReconnect(func() {
		metrics.UpstreamReconnectsTotal.WithLabelValues(string(model.SourceTradingView)).Inc()
		if err := s.connectOnce(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("tradingview: reconnect attempt failed")
		}
	})
}
