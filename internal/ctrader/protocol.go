// Package ctrader implements the provider-A session lifecycle (spec §4.4):
// TLS/TCP connect, two-step auth, symbol catalog, trendbar/spot handling,
// heartbeat, and historical-package assembly.
//
// The wire codec itself is out of scope (spec §1: "the binary/JSON wire
// codecs for the two providers ... treated as opaque framed-message
// channels"); payloads here are carried as a small typed envelope over the
// length-prefixed frame (internal/codec), standing in for the real
// provider's protobuf payload encoding. Only the framing (length prefix)
// and the session state machine are specified precisely enough to matter.
package ctrader

import (
	"encoding/json"
	"fmt"
)

// payloadType enumerates the request/response/event kinds the session
// exchanges with provider A (spec §4.4, §6).
type payloadType string

const (
	payloadAppAuthReq      payloadType = "PROTO_OA_APPLICATION_AUTH_REQ"
	payloadAppAuthRes      payloadType = "PROTO_OA_APPLICATION_AUTH_RES"
	payloadAccountAuthReq  payloadType = "PROTO_OA_ACCOUNT_AUTH_REQ"
	payloadAccountAuthRes  payloadType = "PROTO_OA_ACCOUNT_AUTH_RES"
	payloadSymbolsListReq  payloadType = "PROTO_OA_SYMBOLS_LIST_REQ"
	payloadSymbolsListRes  payloadType = "PROTO_OA_SYMBOLS_LIST_RES"
	payloadSymbolByIDReq   payloadType = "PROTO_OA_SYMBOL_BY_ID_REQ"
	payloadSymbolByIDRes   payloadType = "PROTO_OA_SYMBOL_BY_ID_RES"
	payloadTrendbarReq     payloadType = "PROTO_OA_GET_TRENDBARS_REQ"
	payloadTrendbarRes     payloadType = "PROTO_OA_GET_TRENDBARS_RES"
	payloadSubscribeSpots  payloadType = "PROTO_OA_SUBSCRIBE_SPOTS_REQ"
	payloadUnsubscribeSpot payloadType = "PROTO_OA_UNSUBSCRIBE_SPOTS_REQ"
	payloadSpotEvent       payloadType = "PROTO_OA_SPOT_EVENT"
	payloadHeartbeatEvent  payloadType = "PROTO_OA_HEARTBEAT_EVENT"
	payloadErrorRes        payloadType = "PROTO_OA_ERROR_RES"
)

// envelope is the frame payload: a discriminant plus the type-specific body
// as raw JSON, decoded by the caller once the type is known.
type envelope struct {
	Type      payloadType     `json:"payloadType"`
	ClientMsg string          `json:"clientMsgId,omitempty"`
	Body      json.RawMessage `json:"payload"`
}

func encodeEnvelope(t payloadType, clientMsgID string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", t, err)
	}
	return json.Marshal(envelope{Type: t, ClientMsg: clientMsgID, Body: raw})
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// --- request bodies ---

type applicationAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type accountAuthReq struct {
	AccountID   int64  `json:"accountId"`
	AccessToken string `json:"accessToken"`
}

type symbolByIDReq struct {
	SymbolID int64 `json:"symbolId"`
}

type trendbarReq struct {
	SymbolID int64  `json:"symbolId"`
	Period   string `json:"period"` // "D1" or "M1"
	FromMs   int64  `json:"fromTimestamp"`
	ToMs     int64  `json:"toTimestamp"`
}

type subscribeSpotsReq struct {
	SymbolID int64 `json:"symbolId"`
}

// --- response/event bodies ---

type errorRes struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
}

type symbolsListRes struct {
	Symbols []symbolListEntry `json:"symbol"`
}

type symbolListEntry struct {
	SymbolID int64  `json:"symbolId"`
	Name     string `json:"symbolName"`
}

type symbolByIDRes struct {
	SymbolID    int64 `json:"symbolId"`
	Digits      int   `json:"digits"`
	PipPosition int   `json:"pipPosition"`
}

// trendbarEntry mirrors the upstream's delta-encoded OHLC: actual prices are
// (low + delta) / 1e5 (spec §4.4).
type trendbarEntry struct {
	UTCTimestampMinutes int64 `json:"utcTimestampInMinutes"`
	Low                 int64 `json:"low"`
	DeltaOpen           int64 `json:"deltaOpen"`
	DeltaHigh           int64 `json:"deltaHigh"`
	DeltaClose          int64 `json:"deltaClose"`
}

type trendbarRes struct {
	SymbolID  int64           `json:"symbolId"`
	Period    string          `json:"period"`
	Trendbars []trendbarEntry `json:"trendbar"`
}

// spotEvent is the live tick/bar stream. Exactly one of Trendbar or the
// Bid/Ask pair is populated per spec §4.4's two variants.
type spotEvent struct {
	SymbolID  int64            `json:"symbolId"`
	Trendbars []trendbarEntry  `json:"trendbar,omitempty"`
	Bid       *int64           `json:"bid,omitempty"`
	Ask       *int64           `json:"ask,omitempty"`
}
