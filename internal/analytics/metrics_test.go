package analytics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthsync/internal/book"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func levels(pairs ...string) []book.Level {
	out := make([]book.Level, 0, len(pairs)/2)
	total := decimal.Zero
	for i := 0; i+1 < len(pairs); i += 2 {
		q := d(pairs[i+1])
		total = total.Add(q)
		out = append(out, book.Level{Price: d(pairs[i]), Quantity: q, Total: total})
	}
	return out
}

func TestComputeMetrics_Scenario(t *testing.T) {
	bids := levels("99", "3", "98", "5")
	asks := levels("101", "1.5", "102", "4")

	m := ComputeMetrics(bids, asks, DefaultBands())

	assert.True(t, m.BestBid.Equal(d("99")))
	assert.True(t, m.BestAsk.Equal(d("101")))
	assert.True(t, m.Spread.Equal(d("2")))
	assert.Equal(t, "2.02", m.SpreadPercent.StringFixed(2))
	assert.Len(t, m.Depth, 8)
}

func TestComputeMetrics_Bands(t *testing.T) {
	bids := levels("100", "1", "99.5", "2", "99", "3", "90", "10")
	asks := levels("101", "1", "101.5", "2", "110", "7")

	m := ComputeMetrics(bids, asks, []decimal.Decimal{d("0.001"), d("0.01"), d("0.1")})

	tests := []struct {
		band     string
		bid, ask string
	}{
		// 100*(1-0.001)=99.9, 101*(1.001)=101.101
		{"0.001", "1", "1"},
		// 99 and 102.01
		{"0.01", "6", "3"},
		// 90 and 111.1
		{"0.1", "16", "10"},
	}
	for _, tt := range tests {
		bd, ok := m.Band(d(tt.band))
		require.True(t, ok, tt.band)
		assert.True(t, bd.BidDepth.Equal(d(tt.bid)), "band %s bid %s", tt.band, bd.BidDepth)
		assert.True(t, bd.AskDepth.Equal(d(tt.ask)), "band %s ask %s", tt.band, bd.AskDepth)
		assert.True(t, bd.TotalDepth.Equal(bd.BidDepth.Add(bd.AskDepth)))
	}
}

func TestComputeMetrics_BandMonotonic(t *testing.T) {
	bids := levels("100", "1", "99.9", "1", "99", "2", "95", "4", "80", "8")
	asks := levels("100.5", "1", "101", "2", "104", "4", "120", "9")

	m := ComputeMetrics(bids, asks, DefaultBands())
	for i := 1; i < len(m.Depth); i++ {
		assert.True(t, m.Depth[i].TotalDepth.GreaterThanOrEqual(m.Depth[i-1].TotalDepth),
			"band %s < band %s", m.Depth[i].Band, m.Depth[i-1].Band)
	}
}

func TestComputeMetrics_EmptySides(t *testing.T) {
	m := ComputeMetrics(nil, levels("101", "1"), DefaultBands())
	assert.True(t, m.BestBid.IsZero())
	assert.True(t, m.BestAsk.Equal(d("101")))
	assert.True(t, m.Spread.IsZero())
	assert.True(t, m.SpreadPercent.IsZero())

	empty := ComputeMetrics(nil, nil, nil)
	assert.Empty(t, empty.Depth)
	assert.True(t, empty.BestAsk.IsZero())
}

func TestCompare(t *testing.T) {
	base := ComputeMetrics(levels("99", "3"), levels("101", "1"), DefaultBands())
	chal := ComputeMetrics(levels("99.5", "5"), levels("100", "0.5"), DefaultBands())

	c := Compare("BTCUSDT", base, chal, d("0.01"), book.Bid)
	assert.Equal(t, 1, c.DepthScore)
	assert.Equal(t, 1, c.SpreadScore)

	c = Compare("BTCUSDT", base, chal, d("0.01"), book.Ask)
	assert.Equal(t, -1, c.DepthScore)

	same := Compare("BTCUSDT", base, base, d("0.01"), book.Bid)
	assert.Equal(t, 0, same.DepthScore)
	assert.Equal(t, 0, same.SpreadScore)

	missing := Compare("BTCUSDT", base, chal, d("0.3"), book.Bid)
	assert.True(t, missing.BaselineDepth.IsZero())
}
