// Package book holds the authoritative in-memory order book for one
// (exchange, symbol) pair.
package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/numeric"
)

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide accepts "bid"/"bids" or "ask"/"asks".
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "bids":
		return Bid, nil
	case "ask", "asks":
		return Ask, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Level is one row of a materialized side, annotated with the running
// quantity total from the best price outward.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Total    decimal.Decimal
}

const treeDegree = 32

func byPrice(a, b numeric.Level) bool {
	return a.Price.Cmp(b.Price) < 0
}

// side is a price -> quantity map. The tree compares exact decimals, so a
// price is a unique key regardless of how many trailing zeros it arrived with.
type side struct {
	tree *btree.BTreeG[numeric.Level]
}

func newSide() *side {
	return &side{tree: btree.NewG(treeDegree, byPrice)}
}

func (s *side) set(l numeric.Level) {
	if l.Quantity.IsZero() {
		s.tree.Delete(numeric.Level{Price: l.Price})
		return
	}
	s.tree.ReplaceOrInsert(l)
}

// OrderBook is owned by exactly one pipeline and is not safe for concurrent
// use.
type OrderBook struct {
	bids *side
	asks *side

	lastSequenceID int64
	hasSequence    bool
	lastUpdate     time.Time
}

// New returns an empty book.
func New() *OrderBook {
	return &OrderBook{bids: newSide(), asks: newSide()}
}

// ApplySnapshot replaces both sides wholesale. Levels that fail to parse are
// skipped and reported in the joined error; all other levels are applied.
func (b *OrderBook) ApplySnapshot(bids, asks []numeric.RawLevel, seq int64, hasSeq bool, ts time.Time) error {
	b.bids = newSide()
	b.asks = newSide()
	b.lastSequenceID = seq
	b.hasSequence = hasSeq
	b.lastUpdate = ts

	return errors.Join(apply(b.bids, Bid, bids), apply(b.asks, Ask, asks))
}

// ApplyDiff sets each changed level to its new quantity; zero removes the
// level. Applying the same diff twice leaves the book unchanged.
func (b *OrderBook) ApplyDiff(bids, asks []numeric.RawLevel, seq int64, hasSeq bool, ts time.Time) error {
	if hasSeq {
		b.lastSequenceID = seq
		b.hasSequence = true
	}
	b.lastUpdate = ts

	return errors.Join(apply(b.bids, Bid, bids), apply(b.asks, Ask, asks))
}

func apply(s *side, which Side, levels []numeric.RawLevel) error {
	var errs []error
	for _, raw := range levels {
		l, err := numeric.ParseLevel(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", which, err))
			continue
		}
		s.set(l)
	}
	return errors.Join(errs...)
}

// Materialize returns bids descending and asks ascending, each truncated to
// maxLevels (unbounded when maxLevels <= 0) with cumulative totals. The
// returned slices are fresh copies.
func (b *OrderBook) Materialize(maxLevels int) (bids, asks []Level) {
	return collect(b.bids, Bid, maxLevels), collect(b.asks, Ask, maxLevels)
}

func collect(s *side, which Side, maxLevels int) []Level {
	n := s.tree.Len()
	if maxLevels > 0 && maxLevels < n {
		n = maxLevels
	}
	out := make([]Level, 0, n)
	total := decimal.Zero

	visit := func(l numeric.Level) bool {
		if len(out) == n {
			return false
		}
		total = total.Add(l.Quantity)
		out = append(out, Level{Price: l.Price, Quantity: l.Quantity, Total: total})
		return true
	}

	if which == Bid {
		s.tree.Descend(visit)
	} else {
		s.tree.Ascend(visit)
	}
	return out
}

// Best returns the top-of-book level for the side.
func (b *OrderBook) Best(which Side) (numeric.Level, bool) {
	if which == Bid {
		return b.bids.tree.Max()
	}
	return b.asks.tree.Min()
}

// Len returns the number of price levels on a side.
func (b *OrderBook) Len(which Side) int {
	if which == Bid {
		return b.bids.tree.Len()
	}
	return b.asks.tree.Len()
}

// LastSequenceID returns the id of the last applied event, if it had one.
func (b *OrderBook) LastSequenceID() (int64, bool) {
	return b.lastSequenceID, b.hasSequence
}

// LastUpdate returns the exchange timestamp of the last applied event.
func (b *OrderBook) LastUpdate() time.Time {
	return b.lastUpdate
}

// Reset empties the book.
func (b *OrderBook) Reset() {
	b.bids = newSide()
	b.asks = newSide()
	b.lastSequenceID = 0
	b.hasSequence = false
	b.lastUpdate = time.Time{}
}
