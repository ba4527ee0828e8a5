// Package analytics derives best price, spread and banded liquidity from a
// materialized book. Everything here is a pure function of its inputs.
package analytics

import (
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/numeric"
)

// DefaultMaxLevels is the depth the book is materialized to by default.
const DefaultMaxLevels = 250

// DefaultBands returns the percentage bands (as fractions) the depth table
// is computed for: 0.01% up to 10%.
func DefaultBands() []decimal.Decimal {
	return []decimal.Decimal{
		decimal.RequireFromString("0.0001"),
		decimal.RequireFromString("0.0005"),
		decimal.RequireFromString("0.001"),
		decimal.RequireFromString("0.005"),
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.02"),
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.1"),
	}
}

// BandDepth is the cumulative quantity within Band of the best price.
type BandDepth struct {
	Band       decimal.Decimal
	BidDepth   decimal.Decimal
	AskDepth   decimal.Decimal
	TotalDepth decimal.Decimal
}

// Metrics summarises one book state.
type Metrics struct {
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
	Depth         []BandDepth // in the order the bands were given
}

// Band returns the depth entry for p.
func (m Metrics) Band(p decimal.Decimal) (BandDepth, bool) {
	for _, d := range m.Depth {
		if d.Band.Equal(p) {
			return d, true
		}
	}
	return BandDepth{}, false
}

// ComputeMetrics expects bids sorted descending and asks ascending, as
// produced by book.OrderBook.Materialize. An empty side reports a best price
// of zero.
func ComputeMetrics(bids, asks []book.Level, bands []decimal.Decimal) Metrics {
	m := Metrics{
		BestBid:       decimal.Zero,
		BestAsk:       decimal.Zero,
		Spread:        decimal.Zero,
		SpreadPercent: decimal.Zero,
		Depth:         make([]BandDepth, 0, len(bands)),
	}
	if len(bids) > 0 {
		m.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		m.BestAsk = asks[0].Price
	}
	if len(bids) > 0 && len(asks) > 0 {
		m.Spread = m.BestAsk.Sub(m.BestBid)
		m.SpreadPercent = numeric.Percent(m.Spread, m.BestBid)
	}

	one := decimal.NewFromInt(1)
	for _, p := range bands {
		bidFloor := m.BestBid.Mul(one.Sub(p))
		askCeil := m.BestAsk.Mul(one.Add(p))

		bidDepth := decimal.Zero
		for _, l := range bids {
			if l.Price.LessThan(bidFloor) {
				break
			}
			bidDepth = bidDepth.Add(l.Quantity)
		}
		askDepth := decimal.Zero
		for _, l := range asks {
			if l.Price.GreaterThan(askCeil) {
				break
			}
			askDepth = askDepth.Add(l.Quantity)
		}

		m.Depth = append(m.Depth, BandDepth{
			Band:       p,
			BidDepth:   bidDepth,
			AskDepth:   askDepth,
			TotalDepth: bidDepth.Add(askDepth),
		})
	}
	return m
}
