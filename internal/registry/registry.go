// Package registry implements the per-client and per-(symbol,source)
// subscriber bookkeeping shared between the gateway's accept path and the
// data router's fan-out path (spec §4.6).
package registry

import (
	"sync"

	"github.com/feedgate/gateway/internal/model"
)

// ClientHandle identifies one downstream websocket connection. The gateway
// owns the concrete type behind this identity; the registry only ever
// compares handles, never dereferences them.
type ClientHandle interface{}

// Key identifies one (symbol, source) subscription.
type Key struct {
	Symbol string
	Source model.Source
}

// Registry holds the two maps from spec §4.6 behind a single lock; the
// read side (DataRouter fan-out) takes a short-held copy of the subscriber
// set rather than holding the lock across socket writes.
type Registry struct {
	mu         sync.RWMutex
	clientSubs map[ClientHandle]map[string]struct{}
	sourceSubs map[Key]map[ClientHandle]struct{}
	m1Subs     map[Key]struct{}
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		clientSubs: make(map[ClientHandle]map[string]struct{}),
		sourceSubs: make(map[Key]map[ClientHandle]struct{}),
		m1Subs:     make(map[Key]struct{}),
	}
}

// Add registers client for (symbol, source). firstForKey is true when this
// call created the first subscriber for that key, signalling the caller to
// issue an upstream subscribe.
func (r *Registry) Add(client ClientHandle, symbol string, source model.Source) (firstForKey bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clientSubs[client] == nil {
		r.clientSubs[client] = make(map[string]struct{})
	}
	r.clientSubs[client][symbol] = struct{}{}

	key := Key{Symbol: symbol, Source: source}
	subs := r.sourceSubs[key]
	firstForKey = len(subs) == 0
	if subs == nil {
		subs = make(map[ClientHandle]struct{})
		r.sourceSubs[key] = subs
	}
	subs[client] = struct{}{}
	return firstForKey
}

// Remove drops client's subscription to symbol across every source it was
// registered under, returning the (symbol, source) keys that dropped to
// zero subscribers as a result (the caller should unsubscribe upstream for
// each).
func (r *Registry) Remove(client ClientHandle, symbol string) (nowEmpty []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clientSubs[client] != nil {
		delete(r.clientSubs[client], symbol)
		if len(r.clientSubs[client]) == 0 {
			delete(r.clientSubs, client)
		}
	}

	for key, subs := range r.sourceSubs {
		if key.Symbol != symbol {
			continue
		}
		if _, ok := subs[client]; !ok {
			continue
		}
		delete(subs, client)
		if len(subs) == 0 {
			delete(r.sourceSubs, key)
			nowEmpty = append(nowEmpty, key)
		}
	}
	return nowEmpty
}

// RemoveClient removes every subscription owned by client (disconnect
// cleanup), returning the distinct symbols it had been subscribed to so the
// gateway can unsubscribe upstream for any that dropped to zero.
func (r *Registry) RemoveClient(client ClientHandle) (emptiedSymbols []string) {
	r.mu.Lock()
	symbols := r.clientSubs[client]
	delete(r.clientSubs, client)
	var touched []string
	for symbol := range symbols {
		touched = append(touched, symbol)
	}
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(touched))
	for _, symbol := range touched {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		if keys := r.Remove(client, symbol); len(keys) > 0 {
			emptiedSymbols = append(emptiedSymbols, symbol)
		}
	}
	return emptiedSymbols
}

// Get returns a snapshot of the clients subscribed to (symbol, source),
// safe to range over without holding the registry lock.
func (r *Registry) Get(symbol string, source model.Source) []ClientHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.sourceSubs[Key{Symbol: symbol, Source: source}]
	out := make([]ClientHandle, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// MarkM1Subscribed records that the session has an active live M1 bar
// subscription for (symbol, source). M1 subscriptions live at the session
// level, not per client, so they are tracked separately from sourceSubs.
func (r *Registry) MarkM1Subscribed(symbol string, source model.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m1Subs[Key{Symbol: symbol, Source: source}] = struct{}{}
}

// ClearM1Subscribed reverses MarkM1Subscribed.
func (r *Registry) ClearM1Subscribed(symbol string, source model.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m1Subs, Key{Symbol: symbol, Source: source})
}

// IsM1Subscribed reports whether the session currently has a live M1 bar
// subscription for (symbol, source).
func (r *Registry) IsM1Subscribed(symbol string, source model.Source) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m1Subs[Key{Symbol: symbol, Source: source}]
	return ok
}
