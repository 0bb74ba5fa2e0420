// Package router implements the DataRouter (spec §4.11): a stateless
// builder-plus-broadcaster that turns upstream/service events into the
// downstream wire schema (spec §6) and fans them out to subscribers via the
// registry. Adapted from the teacher's broadcast path in connection.go,
// which walks a connection pool and writes to every matching client; here
// the pool is the registry's subscriber set for a (symbol, source) key.
package router

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/feedgate/gateway/internal/marketprofile"
	"github.com/feedgate/gateway/internal/model"
	"github.com/feedgate/gateway/internal/registry"
	"github.com/feedgate/gateway/internal/twap"
)

// Sender is the minimal write surface a gateway client connection exposes.
// Implementations must not block indefinitely; a bounded queue with
// drop/disconnect-on-overflow lives on the gateway side (C10).
type Sender interface {
	Send(payload []byte)
}

// Router fans wire messages out to registry subscribers. It holds no
// per-symbol state of its own, only the registry lookup and the broadcast
// list of all connected clients (for status/reinit_started messages).
type Router struct {
	log      zerolog.Logger
	registry *registry.Registry

	clientsMu *clientSet
}

type clientSet struct {
	mu  sync.RWMutex
	set map[registry.ClientHandle]Sender
}

// New builds a Router bound to reg for subscriber lookups.
func New(log zerolog.Logger, reg *registry.Registry) *Router {
	return &Router{log: log, registry: reg, clientsMu: &clientSet{set: map[registry.ClientHandle]Sender{}}}
}

// wireTick is the downstream tick schema (spec §6). Provider B uses
// Price/Current instead of Bid/Ask per the spec's documented variant.
type wireTick struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Symbol      string   `json:"symbol"`
	Bid         *float64 `json:"bid,omitempty"`
	Ask         *float64 `json:"ask,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	PipPosition *int     `json:"pipPosition,omitempty"`
	PipSize     *float64 `json:"pipSize,omitempty"`
	PipetteSize *float64 `json:"pipetteSize,omitempty"`
}

// RouteTick builds and broadcasts a tick message to (symbol, source)
// subscribers.
func (r *Router) RouteTick(t model.Tick) {
	var msg wireTick
	msg.Type = "tick"
	msg.Source = string(t.Source)
	msg.Symbol = t.Symbol
	msg.Timestamp = t.TimestampMs

	if t.Source == model.SourceTradingView {
		price := t.Bid
		msg.Price = &price
		msg.Current = &price
	} else {
		msg.Bid = &t.Bid
		msg.Ask = &t.Ask
		msg.PipPosition = t.PipPosition
		msg.PipSize = t.PipSize
		msg.PipetteSize = t.PipetteSize
	}

	r.broadcastToSubscribers(t.Symbol, t.Source, msg)
}

type wirePackage struct {
	Type                 string        `json:"type"`
	Source               string        `json:"source"`
	Symbol               string        `json:"symbol"`
	Digits               int           `json:"digits"`
	ADR                  float64       `json:"adr"`
	TodaysOpen           float64       `json:"todaysOpen"`
	TodaysHigh           float64       `json:"todaysHigh"`
	TodaysLow            float64       `json:"todaysLow"`
	ProjectedADRHigh     float64       `json:"projectedAdrHigh"`
	ProjectedADRLow      float64       `json:"projectedAdrLow"`
	InitialPrice         float64       `json:"initialPrice"`
	InitialMarketProfile []wireM1Bar   `json:"initialMarketProfile"`
	PipPosition          int           `json:"pipPosition"`
	PipSize              float64       `json:"pipSize"`
	PipetteSize          float64       `json:"pipetteSize"`
	PrevDay              *wirePrevDay  `json:"prevDay,omitempty"`
}

type wireM1Bar struct {
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	TimestampMs int64   `json:"timestampMs"`
}

type wirePrevDay struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

func buildPackageMessage(pkg model.SymbolDataPackage) wirePackage {
	msg := wirePackage{
		Type:             "symbolDataPackage",
		Source:           string(pkg.Source),
		Symbol:           pkg.Symbol,
		Digits:           pkg.Digits,
		ADR:              pkg.ADR,
		TodaysOpen:       pkg.TodaysOpen,
		TodaysHigh:       pkg.TodaysHigh,
		TodaysLow:        pkg.TodaysLow,
		ProjectedADRHigh: pkg.ProjectedADRHigh,
		ProjectedADRLow:  pkg.ProjectedADRLow,
		InitialPrice:     pkg.InitialPrice,
		PipPosition:      pkg.PipPosition,
		PipSize:          pkg.PipSize,
		PipetteSize:      pkg.PipetteSize,
	}
	for _, b := range pkg.InitialMarketProfile {
		msg.InitialMarketProfile = append(msg.InitialMarketProfile, wireM1Bar{
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, TimestampMs: b.TimestampMs,
		})
	}
	if pkg.PrevDay != nil {
		msg.PrevDay = &wirePrevDay{Open: pkg.PrevDay.Open, High: pkg.PrevDay.High, Low: pkg.PrevDay.Low, Close: pkg.PrevDay.Close}
	}
	return msg
}

// SendPackage sends a single client the bootstrap symbolDataPackage
// synchronously, before that client is registered into the fan-out set
// (spec §5 ordering guarantee: bootstrap arrives before any live tick).
// Used by the gateway's own subscribe handler, which already holds the
// concrete Sender it just created.
func (r *Router) SendPackage(client Sender, pkg model.SymbolDataPackage) {
	raw, err := json.Marshal(buildPackageMessage(pkg))
	if err != nil {
		r.log.Error().Err(err).Str("symbol", pkg.Symbol).Msg("router: failed to marshal symbolDataPackage")
		return
	}
	atomic.AddInt64(&messagesSentCounter, 1)
	client.Send(raw)
}

// SendPackageToHandle is SendPackage for a registry.ClientHandle rather
// than an already-resolved Sender: it looks the sender up in the
// broadcast-all set the way writeRaw does. Used for the TradingView
// late-bootstrap fan-out (HandleUpstreamEvent's KindSymbolDataPackage
// branch), where the caller only has the handles registry.Get returned.
func (r *Router) SendPackageToHandle(client registry.ClientHandle, pkg model.SymbolDataPackage) {
	raw, err := json.Marshal(buildPackageMessage(pkg))
	if err != nil {
		r.log.Error().Err(err).Str("symbol", pkg.Symbol).Msg("router: failed to marshal symbolDataPackage")
		return
	}
	r.writeRaw(client, raw)
}

type wireProfileUpdate struct {
	Type    string        `json:"type"`
	Symbol  string        `json:"symbol"`
	Profile profilePacket `json:"profile"`
	Seq     int           `json:"seq"`
	Source  string        `json:"source"`
}

type profilePacket struct {
	Levels     []profileLevel `json:"levels"`
	BucketSize float64        `json:"bucketSize"`
}

type profileLevel struct {
	Price float64 `json:"price"`
	TPO   int     `json:"tpo"`
}

// RouteProfileUpdate broadcasts a market-profile update to both source
// variants of the symbol (spec §4.11: the profile service keys by symbol
// only, so neither the gateway nor clients can tell which source fed it).
func (r *Router) RouteProfileUpdate(u marketprofile.Update) {
	msg := wireProfileUpdate{
		Type:   "profileUpdate",
		Symbol: u.Symbol,
		Seq:    u.Seq,
		Source: string(u.Source),
	}
	msg.Profile.BucketSize = u.BucketSize
	for _, lvl := range u.Profile {
		msg.Profile.Levels = append(msg.Profile.Levels, profileLevel{Price: lvl.Price, TPO: lvl.TPO})
	}
	r.broadcastToBothSources(u.Symbol, msg)
}

type wireProfileError struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RouteProfileError broadcasts a MAX_LEVELS_EXCEEDED (or similar)
// condition for a symbol to both source variants.
func (r *Router) RouteProfileError(e marketprofile.ErrorUpdate) {
	r.broadcastToBothSources(e.Symbol, wireProfileError{
		Type: "profileError", Symbol: e.Symbol, Error: e.Code, Message: e.Message,
	})
}

type wireTWAPUpdate struct {
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	Source        string  `json:"source"`
	TWAPValue     float64 `json:"twapValue"`
	Timestamp     int64   `json:"timestamp"`
	Contributions int     `json:"contributions"`
	IsHistorical  bool    `json:"isHistorical"`
}

// RouteTWAPUpdate broadcasts a TWAP update to both source variants of the
// symbol, for the same reason as profile updates (spec §4.11), even though
// TWAP itself keys by symbol+source internally.
func (r *Router) RouteTWAPUpdate(u twap.Update) {
	r.broadcastToBothSources(u.Symbol, wireTWAPUpdate{
		Type: "twapUpdate", Symbol: u.Symbol, Source: string(u.Source),
		TWAPValue: u.TWAPValue, Timestamp: u.TimestampMs,
		Contributions: u.Contributions, IsHistorical: u.IsHistorical,
	})
}

type wireStatus struct {
	Type             string   `json:"type"`
	Status           string   `json:"status"`
	AvailableSymbols []string `json:"availableSymbols"`
	Message          string   `json:"message,omitempty"`
}

// BroadcastStatus sends a status update to every connected client, not
// just symbol subscribers (spec §4.10).
func (r *Router) BroadcastStatus(status string, availableSymbols []string, message string) {
	msg := wireStatus{Type: "status", Status: status, AvailableSymbols: availableSymbols, Message: message}
	r.broadcastAll(msg)
}

type wireReinitStarted struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// BroadcastReinitStarted acks a reinit request to all clients.
func (r *Router) BroadcastReinitStarted(source string, timestampMs int64) {
	r.broadcastAll(wireReinitStarted{Type: "reinit_started", Source: source, Timestamp: timestampMs})
}

// RouteSymbolError builds and sends a symbol-scoped error message, used
// when a provider session fails to bootstrap a symbol (spec §6 `error`).
func (r *Router) RouteSymbolError(source model.Source, symbol string, err error) {
	r.broadcastToSubscribers(symbol, source, map[string]any{
		"type": "error", "symbol": symbol, "message": err.Error(),
	})
}

// --- client registry ---

// RegisterClient adds client to the broadcast-all set used for status and
// reinit_started messages. Symbol-scoped subscriptions still go through the
// SubscriptionRegistry (C6); this tracks only "every connected client".
func (r *Router) RegisterClient(client registry.ClientHandle, sender Sender) {
	r.clientsMu.mu.Lock()
	r.clientsMu.set[client] = sender
	r.clientsMu.mu.Unlock()
}

// UnregisterClient removes client from the broadcast-all set.
func (r *Router) UnregisterClient(client registry.ClientHandle) {
	r.clientsMu.mu.Lock()
	delete(r.clientsMu.set, client)
	r.clientsMu.mu.Unlock()
}

// --- internals ---

func (r *Router) broadcastToSubscribers(symbol string, source model.Source, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", symbol).Msg("router: failed to marshal message")
		return
	}
	for _, client := range r.registry.Get(symbol, source) {
		r.writeRaw(client, raw)
	}
}

func (r *Router) broadcastToBothSources(symbol string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", symbol).Msg("router: failed to marshal message")
		return
	}
	seen := map[registry.ClientHandle]struct{}{}
	for _, source := range []model.Source{model.SourceCTrader, model.SourceTradingView} {
		for _, client := range r.registry.Get(symbol, source) {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			r.writeRaw(client, raw)
		}
	}
}

func (r *Router) broadcastAll(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Err(err).Msg("router: failed to marshal broadcast message")
		return
	}
	r.clientsMu.mu.RLock()
	clients := make([]registry.ClientHandle, 0, len(r.clientsMu.set))
	for client := range r.clientsMu.set {
		clients = append(clients, client)
	}
	r.clientsMu.mu.RUnlock()
	for _, client := range clients {
		r.writeRaw(client, raw)
	}
}

func (r *Router) writeRaw(client registry.ClientHandle, raw []byte) {
	r.clientsMu.mu.RLock()
	sender, ok := r.clientsMu.set[client]
	r.clientsMu.mu.RUnlock()
	if !ok {
		return // write to an already-closed socket: swallow (spec §4.11)
	}
	atomic.AddInt64(&messagesSentCounter, 1)
	sender.Send(raw)
}

// messagesSentCounter counts messages this router hands to sender queues.
// It is separate from metrics.MessagesSent, which the gateway's write pump
// increments for each frame it writes to a socket.
var messagesSentCounter int64

// MessagesSent reports how many messages this router has handed to sender
// queues since startup.
func MessagesSent() int64 { return atomic.LoadInt64(&messagesSentCounter) }
