// Package gateway implements the downstream websocket server (spec §4.10):
// connection lifecycle, message dispatch, and the closed JSON wire schema
// of spec §6. Adapted from the teacher's Server/Client/handleWebSocket
// machinery (src/server.go, src/connection.go), trading the teacher's
// envelope/spread wire format and NATS-fed broadcast path for direct
// upstream session events and the flat message shapes spec §6 names.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/feedgate/gateway/internal/config"
	"github.com/feedgate/gateway/internal/coordinator"
	"github.com/feedgate/gateway/internal/ctrader"
	"github.com/feedgate/gateway/internal/guard"
	"github.com/feedgate/gateway/internal/marketprofile"
	"github.com/feedgate/gateway/internal/metrics"
	"github.com/feedgate/gateway/internal/model"
	"github.com/feedgate/gateway/internal/registry"
	"github.com/feedgate/gateway/internal/router"
	"github.com/feedgate/gateway/internal/tradingview"
	"github.com/feedgate/gateway/internal/twap"
	"github.com/feedgate/gateway/internal/upstream"
	"github.com/feedgate/gateway/internal/worker"
)

const defaultADRLookbackDays = 14

// Server wires the websocket accept loop to the registry, router,
// coordinator, and both upstream sessions.
type Server struct {
	cfg config.Config
	log zerolog.Logger

	registry      *registry.Registry
	router        *router.Router
	coordinator   *coordinator.Coordinator
	marketProfile *marketprofile.Service
	twapSvc       *twap.Service
	ctraderSess   *ctrader.Session
	tvSess        *tradingview.Session
	guard         *guard.Guard
	pool          *worker.Pool

	httpServer *http.Server

	clientCount        int64
	currentConnections *int64
	shuttingDown       int32

	tvPackagesMu sync.Mutex
	tvPackages   map[string]model.SymbolDataPackage
}

// Dependencies bundles the already-constructed collaborators a Server is
// wired from; cmd/gateway/main.go builds these in dependency order.
// ConnCounter is the same live counter passed to guard.New and
// metrics.NewCollector, so all three observe one connection count.
type Dependencies struct {
	Config        config.Config
	Log           zerolog.Logger
	Registry      *registry.Registry
	Router        *router.Router
	Coordinator   *coordinator.Coordinator
	MarketProfile *marketprofile.Service
	TWAP          *twap.Service
	CTrader       *ctrader.Session
	TradingView   *tradingview.Session
	Guard         *guard.Guard
	Pool          *worker.Pool
	ConnCounter   *int64
}

// New builds a Server from its Dependencies.
func New(deps Dependencies) *Server {
	return &Server{
		cfg:                deps.Config,
		log:                deps.Log,
		registry:           deps.Registry,
		router:             deps.Router,
		coordinator:        deps.Coordinator,
		marketProfile:      deps.MarketProfile,
		twapSvc:            deps.TWAP,
		ctraderSess:        deps.CTrader,
		tvSess:             deps.TradingView,
		guard:              deps.Guard,
		pool:               deps.Pool,
		currentConnections: deps.ConnCounter,
		tvPackages:         make(map[string]model.SymbolDataPackage),
	}
}

// HandleUpstreamEvent routes one upstream.Event to the DataRouter and
// caches TradingView bootstrap packages so late subscribers to an
// already-active symbol still receive one (spec §5 ordering guarantee).
// Intended to be the onEvent callback passed to both ctrader.New and
// tradingview.New.
func (s *Server) HandleUpstreamEvent(e upstream.Event) {
	switch e.Kind {
	case upstream.KindTick:
		metrics.UpstreamTicksTotal.WithLabelValues(string(e.Source)).Inc()
		if s.guard.AllowBroadcast() {
			s.router.RouteTick(e.Tick)
		} else {
			s.log.Debug().Str("symbol", e.Tick.Symbol).Msg("gateway: tick broadcast dropped by rate limiter")
		}
	case upstream.KindM1Bar:
		metrics.UpstreamM1BarsTotal.WithLabelValues(string(e.Source)).Inc()
		s.marketProfile.OnM1Bar(e.Bar.Symbol, e.Bar)
		s.twapSvc.OnM1Bar(e.Bar.Symbol, e.Bar, e.Source)
	case upstream.KindSymbolDataPackage:
		if e.Source == model.SourceTradingView {
			s.tvPackagesMu.Lock()
			s.tvPackages[e.Package.Symbol] = e.Package
			s.tvPackagesMu.Unlock()
			s.marketProfile.InitializeFromHistory(e.Package.Symbol, e.Package.InitialMarketProfile, model.BucketSize(e.Package.Symbol), e.Source)
			s.twapSvc.InitializeFromHistory(e.Package.Symbol, e.Package.InitialMarketProfile, e.Source)
			for _, c := range s.registry.Get(e.Package.Symbol, model.SourceTradingView) {
				s.router.SendPackageToHandle(c, e.Package)
			}
		}
	case upstream.KindSymbolError:
		s.router.RouteSymbolError(e.Source, e.Symbol, e.Err)
	case upstream.KindStale:
		metrics.UpstreamStale.WithLabelValues(string(e.Source)).Set(1)
		s.router.BroadcastStatus("degraded", s.availableSymbols(), fmt.Sprintf("%s stream is stale", e.Source))
	case upstream.KindTickResumed:
		metrics.UpstreamStale.WithLabelValues(string(e.Source)).Set(0)
		s.router.BroadcastStatus("connected", s.availableSymbols(), "")
	}
}

// HandleProfileUpdate/HandleProfileError/HandleTWAPUpdate are the
// onUpdate/onError callbacks passed to marketprofile.New and twap.New.
func (s *Server) HandleProfileUpdate(u marketprofile.Update) { s.router.RouteProfileUpdate(u) }
func (s *Server) HandleProfileError(e marketprofile.ErrorUpdate) {
	metrics.MarketProfileMaxLevelsExceededTotal.WithLabelValues(e.Symbol).Inc()
	s.router.RouteProfileError(e)
}
func (s *Server) HandleTWAPUpdate(u twap.Update) { s.router.RouteTWAPUpdate(u) }

func (s *Server) availableSymbols() []string {
	if s.ctraderSess == nil {
		return nil
	}
	return s.ctraderSess.AvailableSymbols()
}

// Start begins serving HTTP/websocket traffic on cfg.Addr until Shutdown
// is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
		s.log.Warn().Str("reason", reason).Msg("connection rejected")
		metrics.CapacityRejectionsTotal.WithLabelValues(reason).Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := atomic.AddInt64(&s.clientCount, 1)
	c := newClient(id, conn, s.cfg.MaxClientQueue)

	atomic.AddInt64(s.currentConnections, 1)
	metrics.ConnectionsTotal.Inc()
	s.router.RegisterClient(c, c)

	s.sendStatus(c)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) sendStatus(c *client) {
	status := "connected"
	if s.ctraderSess == nil || s.ctraderSess.State() != ctrader.StateConnected {
		status = "ctrader-connecting"
	}
	s.sendDirect(c, map[string]any{
		"type": "status", "status": status, "availableSymbols": s.availableSymbols(),
	})
	if status == "connected" {
		s.sendDirect(c, map[string]any{"type": "ready", "availableSymbols": s.availableSymbols()})
	}
}

func (s *Server) sendDirect(c *client, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("gateway: failed to marshal direct message")
		return
	}
	c.Send(raw)
}

func (s *Server) readPump(c *client) {
	defer func() {
		c.close()
		atomic.AddInt64(s.currentConnections, -1)
		s.router.UnregisterClient(c)
		for _, symbol := range s.registry.RemoveClient(c) {
			s.unsubscribeUpstreamIfEmpty(symbol)
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		metrics.MessagesReceived.Inc()

		switch op {
		case ws.OpText:
			s.pool.Submit(func() { s.handleClientMessage(c, msg) })
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
			metrics.MessagesSent.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// --- message dispatch (spec §4.10) ---

type inboundMessage struct {
	Type            string   `json:"type"`
	Symbol          string   `json:"symbol"`
	Symbols         []string `json:"symbols"`
	ADRLookbackDays int      `json:"adrLookbackDays"`
	Source          string   `json:"source"`
}

func (s *Server) handleClientMessage(c *client, raw []byte) {
	var m inboundMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		s.sendDirect(c, map[string]any{"type": "error", "message": "malformed message"})
		return
	}

	switch m.Type {
	case "get_symbol_data_package", "subscribe":
		symbol := m.Symbol
		if symbol == "" && len(m.Symbols) > 0 {
			symbol = m.Symbols[0]
		}
		lookback := m.ADRLookbackDays
		if lookback <= 0 {
			lookback = defaultADRLookbackDays
		}
		s.handleSubscribe(c, symbol, lookback)
	case "unsubscribe":
		for _, symbol := range m.Symbols {
			s.handleUnsubscribe(c, symbol)
		}
	case "reinit":
		s.handleReinit(m.Source)
	default:
		s.log.Warn().Str("type", m.Type).Msg("gateway: ignoring unknown message type")
	}
}

func (s *Server) handleSubscribe(c *client, symbol string, lookbackDays int) {
	if symbol == "" {
		return
	}

	if s.guard.ShouldPauseUpstreamFetches() {
		s.sendDirect(c, map[string]any{"type": "error", "symbol": symbol, "message": "server overloaded, try again shortly"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), coordinator.FetchTimeout)
	defer cancel()

	pkg, err := s.coordinator.GetSymbolDataPackage(ctx, symbol, lookbackDays)
	if err != nil {
		s.sendDirect(c, map[string]any{"type": "error", "symbol": symbol, "message": err.Error()})
	} else {
		s.router.SendPackage(c, pkg)
		if first := s.registry.Add(c, symbol, model.SourceCTrader); first {
			if id, ok := s.ctraderSess.SymbolID(symbol); ok {
				if err := s.ctraderSess.SubscribeSpot(ctx, id); err != nil {
					s.log.Warn().Err(err).Str("symbol", symbol).Msg("ctrader subscribe failed")
				}
			}
			s.registry.MarkM1Subscribed(symbol, model.SourceCTrader)
		}
	}

	s.tvPackagesMu.Lock()
	cached, haveCached := s.tvPackages[symbol]
	s.tvPackagesMu.Unlock()
	if haveCached {
		s.router.SendPackage(c, cached)
	}
	first := s.registry.Add(c, symbol, model.SourceTradingView)
	if first {
		if err := s.tvSess.SubscribeToSymbol(ctx, symbol, lookbackDays); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("tradingview subscribe failed")
		}
		s.registry.MarkM1Subscribed(symbol, model.SourceTradingView)
	}
}

func (s *Server) handleUnsubscribe(c *client, symbol string) {
	for _, key := range s.registry.Remove(c, symbol) {
		s.unsubscribeUpstream(key.Symbol, key.Source)
	}
}

func (s *Server) unsubscribeUpstreamIfEmpty(symbol string) {
	for _, source := range []model.Source{model.SourceCTrader, model.SourceTradingView} {
		if len(s.registry.Get(symbol, source)) == 0 {
			s.unsubscribeUpstream(symbol, source)
		}
	}
}

func (s *Server) unsubscribeUpstream(symbol string, source model.Source) {
	s.registry.ClearM1Subscribed(symbol, source)
	switch source {
	case model.SourceCTrader:
		if id, ok := s.ctraderSess.SymbolID(symbol); ok {
			if err := s.ctraderSess.UnsubscribeSpot(context.Background(), id); err != nil {
				s.log.Warn().Err(err).Str("symbol", symbol).Msg("ctrader unsubscribe failed")
			}
		}
	case model.SourceTradingView:
		s.tvSess.UnsubscribeFromSymbol(symbol)
		s.tvPackagesMu.Lock()
		delete(s.tvPackages, symbol)
		s.tvPackagesMu.Unlock()
	}
}

func (s *Server) handleReinit(source string) {
	now := time.Now().UnixMilli()
	reinit := func(sess interface{ Reconnect(context.Context) error }) {
		if err := sess.Reconnect(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("gateway: reinit failed")
		}
	}

	switch source {
	case "ctrader":
		go reinit(s.ctraderSess)
	case "tradingview":
		go reinit(s.tvSess)
	case "all":
		go reinit(s.ctraderSess)
		go reinit(s.tvSess)
	default:
		s.log.Warn().Str("source", source).Msg("gateway: unknown reinit source")
		return
	}
	s.router.BroadcastReinitStarted(source, now)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := s.guard.Stats()
	stats["ctrader_state"] = int(s.ctraderSess.State())
	stats["tradingview_state"] = int(s.tvSess.State())
	stats["dropped_broadcasts"] = s.pool.DroppedTasks()

	status := "healthy"
	code := http.StatusOK
	if accept, _ := s.guard.ShouldAcceptConnection(); !accept {
		status = "degraded"
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "stats": stats})
}
