// Package tradingview implements the provider-B dual-series session (spec
// §4.5): two independent chart subseries per symbol (D1, M1) that must both
// complete historical load before a bootstrap package is emitted.
//
// As with provider A, the proprietary wire language itself is out of scope
// (spec §1); only the session's state machine and the series identifiers
// sds_1 (D1) / sds_2 (M1) that correctness depends on are modeled here. The
// transport carries a small typed envelope standing in for the real
// text-frame protocol (`chart_create_session`, `resolve_symbol`,
// `create_series`, `timescale_update`, `du`, `series_completed`,
// `symbol_error`).
package tradingview

import "encoding/json"

type method string

const (
	methodChartCreateSession method = "chart_create_session"
	methodResolveSymbol      method = "resolve_symbol"
	methodCreateSeries       method = "create_series"
	methodTimescaleUpdate    method = "timescale_update"
	methodDU                 method = "du"
	methodSeriesCompleted    method = "series_completed"
	methodSymbolError        method = "symbol_error"
)

// seriesID names the two fixed chart subseries per symbol (spec §4.5,
// §6: "sds_1 (D1) and sds_2 (M1)").
type seriesID string

const (
	seriesD1 seriesID = "sds_1"
	seriesM1 seriesID = "sds_2"
)

// message is the single wire envelope exchanged over the websocket.
type message struct {
	Method        method          `json:"m"`
	ChartSession  string          `json:"chartSession"`
	Series        seriesID        `json:"series,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	ResolutionM1  bool            `json:"resolutionM1,omitempty"`
	Bars          []wireBar       `json:"bars,omitempty"`
	ErrorMessage  string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// wireBar is one OHLC candle as delivered by timescale_update/du.
type wireBar struct {
	TimeSeconds int64   `json:"time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
}

func encode(m message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(raw []byte) (message, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message{}, err
	}
	return m, nil
}
