package analytics

import (
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/book"
)

// Comparison scores a challenger venue against a baseline for one symbol.
// A positive score favours the challenger.
type Comparison struct {
	Symbol              string
	Band                decimal.Decimal
	Side                book.Side
	BaselineDepth       decimal.Decimal
	ChallengerDepth     decimal.Decimal
	DepthScore          int
	BaselineSpreadPct   decimal.Decimal
	ChallengerSpreadPct decimal.Decimal
	SpreadScore         int
}

// Compare scores depth on side within band (more is better) and spread
// percentage (less is better). A band missing from either side counts as
// zero depth.
func Compare(symbol string, baseline, challenger Metrics, band decimal.Decimal, side book.Side) Comparison {
	c := Comparison{
		Symbol:              symbol,
		Band:                band,
		Side:                side,
		BaselineDepth:       sideDepth(baseline, band, side),
		ChallengerDepth:     sideDepth(challenger, band, side),
		BaselineSpreadPct:   baseline.SpreadPercent,
		ChallengerSpreadPct: challenger.SpreadPercent,
	}
	c.DepthScore = c.ChallengerDepth.Cmp(c.BaselineDepth)
	c.SpreadScore = c.BaselineSpreadPct.Cmp(c.ChallengerSpreadPct)
	return c
}

func sideDepth(m Metrics, band decimal.Decimal, side book.Side) decimal.Decimal {
	d, ok := m.Band(band)
	if !ok {
		return decimal.Zero
	}
	if side == book.Ask {
		return d.AskDepth
	}
	return d.BidDepth
}
