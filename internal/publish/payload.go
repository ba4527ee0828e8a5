// Package publish distributes pipeline results to in-process consumers and
// to external sinks (Redis, Kafka), and tracks per-book freshness.
package publish

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// Level is one materialized price level on the wire.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
	Total    decimal.Decimal `json:"total"`
}

// Band is one depth band on the wire.
type Band struct {
	Band  decimal.Decimal `json:"band"`
	Bid   decimal.Decimal `json:"bid"`
	Ask   decimal.Decimal `json:"ask"`
	Total decimal.Decimal `json:"total"`
}

// Payload is the JSON shape shared by every external consumer.
type Payload struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Sequence      *int64          `json:"sequence,omitempty"`
	BestBid       decimal.Decimal `json:"bestBid"`
	BestAsk       decimal.Decimal `json:"bestAsk"`
	Spread        decimal.Decimal `json:"spread"`
	SpreadPercent decimal.Decimal `json:"spreadPct"`
	Bids          []Level         `json:"bids"`
	Asks          []Level         `json:"asks"`
	Depth         []Band          `json:"depth"`
	ExchangeTime  int64           `json:"tsExch,omitempty"`
	ReceiveTime   int64           `json:"tsRecv,omitempty"`
	ProcessedAt   int64           `json:"tsProc"`
}

// NewPayload converts res. Timestamps are unix milliseconds; a zero time is
// omitted.
func NewPayload(res pipeline.Result) Payload {
	p := Payload{
		Exchange:      string(res.Exchange),
		Symbol:        res.Symbol,
		BestBid:       res.BestBid,
		BestAsk:       res.BestAsk,
		Spread:        res.Spread,
		SpreadPercent: res.SpreadPercent,
		Bids:          levels(res.Bids),
		Asks:          levels(res.Asks),
		Depth:         make([]Band, 0, len(res.Depth)),
		ProcessedAt:   res.ProcessedAt.UnixMilli(),
	}
	if res.HasSequence {
		seq := res.Sequence
		p.Sequence = &seq
	}
	if !res.ExchangeTime.IsZero() {
		p.ExchangeTime = res.ExchangeTime.UnixMilli()
	}
	if !res.ReceiveTime.IsZero() {
		p.ReceiveTime = res.ReceiveTime.UnixMilli()
	}
	for _, d := range res.Depth {
		p.Depth = append(p.Depth, Band{Band: d.Band, Bid: d.BidDepth, Ask: d.AskDepth, Total: d.TotalDepth})
	}
	return p
}

// Encode returns the JSON payload for res.
func Encode(res pipeline.Result) ([]byte, error) {
	return json.Marshal(NewPayload(res))
}

func levels(ls []book.Level) []Level {
	out := make([]Level, len(ls))
	for i, l := range ls {
		out[i] = Level{Price: l.Price, Quantity: l.Quantity, Total: l.Total}
	}
	return out
}
