package ctrader

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
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

// State is one case of the provider-A connection lifecycle (spec §4.4,
// data model §3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDegraded // stale: still CONNECTED for data purposes, flagged for status
	StateReconnecting
	StateClosed
)

const heartbeatInterval = 10 * time.Second

// dialFunc abstracts transport construction so tests can substitute a fake.
type dialFunc func(ctx context.Context, host string, port int) (transport, error)

// Config holds the provider-A credentials and connection target.
type Config struct {
	Host         string
	Port         int
	AccountID    int64
	ClientID     string
	ClientSecret string
	AccessToken  string
}

// Session implements the C4 lifecycle: connect, authenticate, maintain a
// symbol catalog, normalize spot/trendbar events, heartbeat, and serve
// historical package fetches.
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
	symbolByName    map[string]int64
	nameBySymbol    map[int64]string
	symbolInfo      map[int64]model.SymbolInfo
	pending         map[string]chan envelope
	heartbeatStop   chan struct{}
	msgSeq          int64
}

// New builds a Session. onEvent receives every normalized event (spec
// Design Notes §9: a tagged sum type, not untyped event names).
func New(cfg Config, log zerolog.Logger, onEvent func(upstream.Event)) *Session {
	return &Session{
		cfg:          cfg,
		log:          log,
		dial:         dialTransport,
		onEvent:      onEvent,
		symbolByName: make(map[string]int64),
		nameBySymbol: make(map[int64]string),
		symbolInfo:   make(map[int64]model.SymbolInfo),
		pending:      make(map[string]chan envelope),
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
	metrics.UpstreamSessionState.WithLabelValues(string(model.SourceCTrader)).Set(float64(st))
}

// Connect runs the full connect->authenticate->catalog sequence (spec
// §4.4). Failures during auth schedule a reconnect if shouldReconnect.
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
					s.onEvent(upstream.StaleEvent(model.SourceCTrader))
				}
			case health.EventTickResumed:
				s.setState(StateConnected)
				if s.onEvent != nil {
					s.onEvent(upstream.TickResumedEvent(model.SourceCTrader))
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

	tr, err := s.dial(ctx, s.cfg.Host, s.cfg.Port)
	if err != nil {
		s.handleDisconnect()
		return fmt.Errorf("connect provider A: %w", err)
	}

	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()

	go s.dispatchLoop(tr)

	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		s.handleDisconnect()
		return fmt.Errorf("authenticate provider A: %w", err)
	}

	if err := s.loadSymbolCatalog(ctx); err != nil {
		s.log.Warn().Err(err).Msg("ctrader: symbol catalog load failed, continuing")
	}

	s.health.Start()
	s.startHeartbeat()
	s.reconnects.Reset()
	s.setState(StateConnected)
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	if _, err := s.request(ctx, payloadAppAuthReq, payloadAppAuthRes, applicationAuthReq{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
	}); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}
	if _, err := s.request(ctx, payloadAccountAuthReq, payloadAccountAuthRes, accountAuthReq{
		AccountID:   s.cfg.AccountID,
		AccessToken: s.cfg.AccessToken,
	}); err != nil {
		return fmt.Errorf("account auth: %w", err)
	}
	return nil
}

func (s *Session) loadSymbolCatalog(ctx context.Context) error {
	e, err := s.request(ctx, payloadSymbolsListReq, payloadSymbolsListRes, struct{}{})
	if err != nil {
		return err
	}
	var res symbolsListRes
	if err := decodeBody(e, &res); err != nil {
		return err
	}

	s.mu.Lock()
	for _, sym := range res.Symbols {
		s.symbolByName[sym.Name] = sym.SymbolID
		s.nameBySymbol[sym.SymbolID] = sym.Name
	}
	s.mu.Unlock()
	return nil
}

// symbolInfoFor lazily fetches and caches digits/pipPosition for a symbol
// id (spec §4.4: "Symbol detail ... is lazily fetched and cached").
func (s *Session) symbolInfoFor(ctx context.Context, symbolID int64) (model.SymbolInfo, error) {
	s.mu.Lock()
	if info, ok := s.symbolInfo[symbolID]; ok {
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	e, err := s.request(ctx, payloadSymbolByIDReq, payloadSymbolByIDRes, symbolByIDReq{SymbolID: symbolID})
	if err != nil {
		return model.SymbolInfo{}, err
	}
	var res symbolByIDRes
	if err := decodeBody(e, &res); err != nil {
		return model.SymbolInfo{}, err
	}

	info := model.SymbolInfo{Digits: res.Digits, PipPosition: res.PipPosition}
	s.mu.Lock()
	s.symbolInfo[symbolID] = info
	s.mu.Unlock()
	return info, nil
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	tr := s.tr
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = tr.send(payloadHeartbeatEvent, s.nextMsgID(), struct{}{})
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()
}

// dispatchLoop demultiplexes inbound envelopes: replies to in-flight
// requests are routed by clientMsgId; everything else is an unsolicited
// event (spot, heartbeat echo).
func (s *Session) dispatchLoop(tr transport) {
	for {
		select {
		case e, ok := <-tr.recv():
			if !ok {
				s.handleDisconnect()
				return
			}
			s.route(e)
		case <-tr.closed():
			return
		}
	}
}

func (s *Session) route(e envelope) {
	if e.ClientMsg != "" {
		s.mu.Lock()
		ch, ok := s.pending[e.ClientMsg]
		if ok {
			delete(s.pending, e.ClientMsg)
		}
		s.mu.Unlock()
		if ok {
			ch <- e
			return
		}
	}

	switch e.Type {
	case payloadSpotEvent:
		s.handleSpotEvent(e)
	case payloadHeartbeatEvent:
		// write-side only; does not reset staleness (spec §4.4).
	case payloadErrorRes:
		var body errorRes
		if err := decodeBody(e, &body); err == nil {
			s.log.Warn().Str("code", body.ErrorCode).Str("description", body.Description).Msg("ctrader: error event")
		}
	}
}

// handleSpotEvent normalizes one inbound spot event into tick and/or m1Bar
// events (spec §4.4). Exactly one of the trendbar or bid/ask variant is
// expected to be populated.
func (s *Session) handleSpotEvent(e envelope) {
	var body spotEvent
	if err := decodeBody(e, &body); err != nil {
		s.log.Warn().Err(err).Msg("ctrader: malformed spot event, dropped")
		return
	}

	s.mu.Lock()
	symbol := s.nameBySymbol[body.SymbolID]
	info := s.symbolInfo[body.SymbolID]
	s.mu.Unlock()
	if symbol == "" {
		return
	}

	if len(body.Trendbars) > 0 {
		latest := body.Trendbars[len(body.Trendbars)-1]
		bar := trendbarToM1Bar(symbol, latest, info.Digits)
		if s.onEvent != nil {
			s.onEvent(upstream.M1BarEvent(bar))
		}
		tick := model.Tick{
			Symbol:      symbol,
			Source:      model.SourceCTrader,
			Bid:         bar.Close,
			Ask:         bar.Close,
			TimestampMs: bar.TimestampMs,
		}
		s.emitTick(tick)
		return
	}

	if body.Bid != nil && body.Ask != nil {
		bid := float64(*body.Bid) / 100000
		ask := float64(*body.Ask) / 100000
		if !isFinite(bid) || !isFinite(ask) || bid <= 0 || ask <= 0 || ask <= bid {
			return
		}
		tick := model.Tick{
			Symbol:      symbol,
			Source:      model.SourceCTrader,
			Bid:         bid,
			Ask:         ask,
			TimestampMs: time.Now().UnixMilli(),
		}
		pp := info.PipPosition
		ps := info.PipSize()
		pts := info.PipetteSize()
		tick.PipPosition = &pp
		tick.PipSize = &ps
		tick.PipetteSize = &pts
		s.emitTick(tick)
	}
}

func (s *Session) emitTick(t model.Tick) {
	if !t.Valid() {
		return
	}
	s.health.RecordTick()
	if s.onEvent != nil {
		s.onEvent(upstream.TickEvent(t))
	}
}

// trendbarToM1Bar converts a delta-encoded trendbar entry to an M1Bar,
// rounding prices to digits decimal places (spec §4.4).
func trendbarToM1Bar(symbol string, e trendbarEntry, digits int) model.M1Bar {
	round := func(raw int64) float64 {
		price := float64(e.Low+raw) / 100000
		mult := math.Pow(10, float64(digits))
		return math.Round(price*mult) / mult
	}
	return model.M1Bar{
		Symbol:      symbol,
		Source:      model.SourceCTrader,
		Open:        round(e.DeltaOpen),
		High:        round(e.DeltaHigh),
		Low:         round(0),
		Close:       round(e.DeltaClose),
		TimestampMs: e.UTCTimestampMinutes * 60000,
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// SubscribeSpot issues an upstream spot subscription for symbolID.
// Idempotent per the session; reference counting is the registry's job
// (spec §4.4, §4.6).
func (s *Session) SubscribeSpot(ctx context.Context, symbolID int64) error {
	return s.send(payloadSubscribeSpots, subscribeSpotsReq{SymbolID: symbolID})
}

// UnsubscribeSpot reverses SubscribeSpot.
func (s *Session) UnsubscribeSpot(ctx context.Context, symbolID int64) error {
	return s.send(payloadUnsubscribeSpot, subscribeSpotsReq{SymbolID: symbolID})
}

// SymbolID resolves a cached symbol name to its upstream id.
func (s *Session) SymbolID(symbol string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.symbolByName[symbol]
	return id, ok
}

// AvailableSymbols returns the symbol catalog loaded at connect time, for
// the gateway's status/ready messages (spec §6 `availableSymbols`).
func (s *Session) AvailableSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.symbolByName))
	for name := range s.symbolByName {
		names = append(names, name)
	}
	return names
}

// GetSymbolDataPackage implements spec §4.4's bootstrap fetch: parallel D1
// and M1 history requests, ADR/today's-OHLC/prevDay computation.
func (s *Session) GetSymbolDataPackage(ctx context.Context, symbol string, adrLookbackDays int) (model.SymbolDataPackage, error) {
	symbolID, ok := s.SymbolID(symbol)
	if !ok {
		return model.SymbolDataPackage{}, fmt.Errorf("ctrader: unknown symbol %q", symbol)
	}
	info, err := s.symbolInfoFor(ctx, symbolID)
	if err != nil {
		return model.SymbolDataPackage{}, fmt.Errorf("ctrader: symbol info for %q: %w", symbol, err)
	}

	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var dailyBars []model.D1Bar
	var m1Bars []model.M1Bar
	var dailyErr, m1Err error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dailyBars, dailyErr = s.fetchDailyBars(ctx, symbolID, info.Digits, adrLookbackDays+5, now)
	}()
	go func() {
		defer wg.Done()
		m1Bars, m1Err = s.fetchM1Bars(ctx, symbolID, info.Digits, startOfDay, now)
	}()
	wg.Wait()

	if dailyErr != nil {
		return model.SymbolDataPackage{}, fmt.Errorf("ctrader: daily bars for %q: %w", symbol, dailyErr)
	}
	if m1Err != nil {
		return model.SymbolDataPackage{}, fmt.Errorf("ctrader: m1 bars for %q: %w", symbol, m1Err)
	}
	if len(dailyBars) < 2 {
		return model.SymbolDataPackage{}, fmt.Errorf("ctrader: insufficient daily bars for %q (need >=2, got %d)", symbol, len(dailyBars))
	}

	adr := model.ADRFromDailyBars(dailyBars, adrLookbackDays)

	var todaysOpen, todaysHigh, todaysLow, initialPrice float64
	if len(m1Bars) > 0 {
		todaysOpen = m1Bars[0].Open
		todaysHigh, todaysLow = m1Bars[0].High, m1Bars[0].Low
		for _, b := range m1Bars[1:] {
			if b.High > todaysHigh {
				todaysHigh = b.High
			}
			if b.Low < todaysLow {
				todaysLow = b.Low
			}
		}
		initialPrice = m1Bars[len(m1Bars)-1].Close
	} else {
		last := dailyBars[len(dailyBars)-1]
		todaysOpen, todaysHigh, todaysLow, initialPrice = last.Open, last.High, last.Low, last.Close
	}

	var prevDay *model.PrevDayOHLC
	if len(dailyBars) >= 2 {
		p := dailyBars[len(dailyBars)-2]
		prevDay = &model.PrevDayOHLC{Open: p.Open, High: p.High, Low: p.Low, Close: p.Close}
	}

	bucket := model.BucketSize(symbol)
	return model.SymbolDataPackage{
		Symbol:               symbol,
		Source:               model.SourceCTrader,
		Digits:               info.Digits,
		ADR:                  adr,
		TodaysOpen:           todaysOpen,
		TodaysHigh:           todaysHigh,
		TodaysLow:            todaysLow,
		ProjectedADRHigh:     todaysOpen + adr/2,
		ProjectedADRLow:      todaysOpen - adr/2,
		InitialPrice:         initialPrice,
		InitialMarketProfile: m1Bars,
		PipPosition:          info.PipPosition,
		PipSize:              info.PipSize(),
		PipetteSize:          info.PipetteSize(),
		PrevDay:              prevDay,
		BucketSize:           &bucket,
	}, nil
}

func (s *Session) fetchDailyBars(ctx context.Context, symbolID int64, digits int, days int, now time.Time) ([]model.D1Bar, error) {
	from := now.AddDate(0, 0, -days)
	e, err := s.request(ctx, payloadTrendbarReq, payloadTrendbarRes, trendbarReq{
		SymbolID: symbolID, Period: "D1", FromMs: from.UnixMilli(), ToMs: now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var res trendbarRes
	if err := decodeBody(e, &res); err != nil {
		return nil, err
	}
	bars := make([]model.D1Bar, 0, len(res.Trendbars))
	for _, tb := range res.Trendbars {
		m1 := trendbarToM1Bar("", tb, digits)
		bars = append(bars, model.D1Bar{Open: m1.Open, High: m1.High, Low: m1.Low, Close: m1.Close, TimestampMs: m1.TimestampMs})
	}
	return bars, nil
}

func (s *Session) fetchM1Bars(ctx context.Context, symbolID int64, digits int, from, to time.Time) ([]model.M1Bar, error) {
	s.mu.Lock()
	symbol := s.nameBySymbol[symbolID]
	s.mu.Unlock()

	e, err := s.request(ctx, payloadTrendbarReq, payloadTrendbarRes, trendbarReq{
		SymbolID: symbolID, Period: "M1", FromMs: from.UnixMilli(), ToMs: to.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var res trendbarRes
	if err := decodeBody(e, &res); err != nil {
		return nil, err
	}
	bars := make([]model.M1Bar, 0, len(res.Trendbars))
	for _, tb := range res.Trendbars {
		bars = append(bars, trendbarToM1Bar(symbol, tb, digits))
	}
	return bars, nil
}

// Disconnect implements the explicit-disconnect path (spec §5 Cancellation):
// stop reconnecting, cancel any pending reconnect, stop the health monitor,
// close the socket.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	tr := s.tr
	s.mu.Unlock()

	if s.reconnects != nil {
		s.reconnects.Cancel()
	}
	if s.health != nil {
		s.health.Stop()
	}
	s.stopHeartbeat()
	if tr != nil {
		_ = tr.close()
	}
	s.setState(StateClosed)
}

// Reconnect implements the manual reinit path (spec §5 Cancellation,
// Design Notes §9): fully quiesce before reopening so two connect paths
// never race.
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
	s.stopHeartbeat()
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
	s.stopHeartbeat()

	s.mu.Lock()
	shouldReconnect := s.shouldReconnect
	s.mu.Unlock()
	if !shouldReconnect || s.reconnects == nil {
		return
	}

	s.setState(StateReconnecting)
	s.reconnects.ScheduleReconnect(func() {
		metrics.UpstreamReconnectsTotal.WithLabelValues(string(model.SourceCTrader)).Inc()
		if err := s.connectOnce(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("ctrader: reconnect attempt failed")
		}
	})
}

func (s *Session) nextMsgID() string {
	return strconv.FormatInt(atomic.AddInt64(&s.msgSeq, 1), 10)
}

func (s *Session) send(t payloadType, body any) error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("ctrader: not connected")
	}
	return tr.send(t, s.nextMsgID(), body)
}

// request sends a typed request and waits for its correlated response
// (matched by clientMsgId) or ctx expiry.
func (s *Session) request(ctx context.Context, reqType, _ payloadType, body any) (envelope, error) {
	s.mu.Lock()
	tr := s.tr
	if tr == nil {
		s.mu.Unlock()
		return envelope{}, fmt.Errorf("ctrader: not connected")
	}
	id := s.nextMsgID()
	ch := make(chan envelope, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if err := tr.send(reqType, id, body); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return envelope{}, err
	}

	select {
	case e := <-ch:
		if e.Type == payloadErrorRes {
			var body errorRes
			_ = decodeBody(e, &body)
			return envelope{}, fmt.Errorf("ctrader: %s: %s", body.ErrorCode, body.Description)
		}
		return e, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return envelope{}, ctx.Err()
	}
}

func decodeBody(e envelope, out any) error {
	return json.Unmarshal(e.Body, out)
}
