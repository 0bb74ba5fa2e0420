package router

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/feedgate/gateway/internal/marketprofile"
	"github.com/feedgate/gateway/internal/model"
	"github.com/feedgate/gateway/internal/registry"
	"github.com/feedgate/gateway/internal/twap"
)

type recordingSender struct {
	mu  sync.Mutex
	got [][]byte
}

func (s *recordingSender) Send(payload []byte) {
	s.mu.Lock()
	s.got = append(s.got, payload)
	s.mu.Unlock()
}

func (s *recordingSender) last(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		t.Fatalf("no message received")
	}
	var m map[string]any
	if err := json.Unmarshal(s.got[len(s.got)-1], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestRouter_RouteTickGoesOnlyToSubscribersOfThatSourceVariant(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)

	clientA, senderA := "A", &recordingSender{}
	clientB, senderB := "B", &recordingSender{}
	r.RegisterClient(clientA, senderA)
	r.RegisterClient(clientB, senderB)

	reg.Add(clientA, "EURUSD", model.SourceCTrader)
	reg.Add(clientB, "EURUSD", model.SourceTradingView)

	r.RouteTick(model.Tick{Symbol: "EURUSD", Source: model.SourceCTrader, Bid: 1.1, Ask: 1.1002, TimestampMs: 1})

	if len(senderA.got) != 1 {
		t.Fatalf("expected ctrader subscriber to receive the tick, got %d messages", len(senderA.got))
	}
	if len(senderB.got) != 0 {
		t.Fatalf("tradingview subscriber must not receive a ctrader tick")
	}
	msg := senderA.last(t)
	if msg["bid"] != 1.1 {
		t.Fatalf("unexpected bid field: %+v", msg)
	}
}

func TestRouter_TradingViewTickUsesPriceCurrentFields(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	client, sender := "A", &recordingSender{}
	r.RegisterClient(client, sender)
	reg.Add(client, "EURUSD", model.SourceTradingView)

	r.RouteTick(model.Tick{Symbol: "EURUSD", Source: model.SourceTradingView, Bid: 1.23, TimestampMs: 5})

	msg := sender.last(t)
	if _, ok := msg["bid"]; ok {
		t.Fatalf("tradingview tick must not carry a bid field: %+v", msg)
	}
	if msg["price"] != 1.23 || msg["current"] != 1.23 {
		t.Fatalf("expected price/current = 1.23, got %+v", msg)
	}
}

func TestRouter_ProfileUpdateBroadcastsToBothSourceVariantsWithoutDuplicates(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	client, sender := "A", &recordingSender{}
	r.RegisterClient(client, sender)
	reg.Add(client, "EURUSD", model.SourceCTrader)
	reg.Add(client, "EURUSD", model.SourceTradingView)

	r.RouteProfileUpdate(marketprofile.Update{Symbol: "EURUSD", BucketSize: 0.0001, Seq: 1, Source: model.SourceCTrader})

	if len(sender.got) != 1 {
		t.Fatalf("client subscribed to both source variants must receive exactly one copy, got %d", len(sender.got))
	}
}

func TestRouter_TWAPUpdateBroadcastsToBothSourceVariants(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	clientC, senderC := "C", &recordingSender{}
	clientT, senderT := "T", &recordingSender{}
	r.RegisterClient(clientC, senderC)
	r.RegisterClient(clientT, senderT)
	reg.Add(clientC, "EURUSD", model.SourceCTrader)
	reg.Add(clientT, "EURUSD", model.SourceTradingView)

	r.RouteTWAPUpdate(twap.Update{Symbol: "EURUSD", Source: model.SourceCTrader, TWAPValue: 1.1, Contributions: 3})

	if len(senderC.got) != 1 || len(senderT.got) != 1 {
		t.Fatalf("expected both source-variant subscribers to receive the twap update")
	}
}

func TestRouter_BroadcastStatusGoesToAllRegisteredClientsRegardlessOfSubscription(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	c1, s1 := "1", &recordingSender{}
	c2, s2 := "2", &recordingSender{}
	r.RegisterClient(c1, s1)
	r.RegisterClient(c2, s2)

	r.BroadcastStatus("connected", []string{"EURUSD"}, "")

	if len(s1.got) != 1 || len(s2.got) != 1 {
		t.Fatalf("expected status broadcast to reach every connected client")
	}
}

func TestRouter_SendPackageToHandleResolvesRegisteredSender(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	client, sender := "A", &recordingSender{}
	r.RegisterClient(client, sender)

	var handle registry.ClientHandle = client
	r.SendPackageToHandle(handle, model.SymbolDataPackage{Symbol: "EURUSD", Source: model.SourceTradingView, Digits: 5})

	msg := sender.last(t)
	if msg["type"] != "symbolDataPackage" || msg["symbol"] != "EURUSD" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestRouter_WriteToUnregisteredClientIsSwallowed(t *testing.T) {
	reg := registry.New()
	r := New(zerolog.Nop(), reg)
	reg.Add("ghost", "EURUSD", model.SourceCTrader) // subscribed but never registered as a sender

	r.RouteTick(model.Tick{Symbol: "EURUSD", Source: model.SourceCTrader, Bid: 1, Ask: 1.0001, TimestampMs: 1})
	// no panic, no error: success
}
