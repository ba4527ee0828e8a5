package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/analytics"
	"github.com/caesar-terminal/depthsync/internal/book"
)

// Status is the sync state a pipeline reports to its consumers.
type Status uint8

const (
	StatusSynced Status = iota + 1
	StatusResyncing
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusResyncing:
		return "resyncing"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StatusEvent is delivered to OnStatus callbacks when the status changes.
type StatusEvent struct {
	Exchange adapter.Exchange
	Symbol   string
	Status   Status
	Reason   string
	At       time.Time
}

// Key returns the book the event belongs to.
func (e StatusEvent) Key() adapter.Key {
	return adapter.Key{Exchange: e.Exchange, Symbol: e.Symbol}
}

// Result is the normalized book state after one applied event. It shares no
// memory with the pipeline's book.
type Result struct {
	Exchange adapter.Exchange
	Symbol   string
	Kind     adapter.EventKind

	Sequence    int64
	HasSequence bool

	Bids []book.Level
	Asks []book.Level

	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
	Depth         []analytics.BandDepth

	ExchangeTime time.Time
	ReceiveTime  time.Time
	ProcessedAt  time.Time
}

// Key returns the book the result belongs to.
func (r Result) Key() adapter.Key {
	return adapter.Key{Exchange: r.Exchange, Symbol: r.Symbol}
}

// Metrics reassembles the analytics view of the result.
func (r Result) Metrics() analytics.Metrics {
	return analytics.Metrics{
		BestBid:       r.BestBid,
		BestAsk:       r.BestAsk,
		Spread:        r.Spread,
		SpreadPercent: r.SpreadPercent,
		Depth:         r.Depth,
	}
}

// Stats are cumulative per-pipeline counters.
type Stats struct {
	Received    uint64
	Applied     uint64
	Ignored     uint64
	Malformed   uint64
	Stale       uint64
	Unsynced    uint64
	Gaps        uint64
	LevelErrors uint64
	Held        uint64 // diffs held while a REST snapshot was pending
}
