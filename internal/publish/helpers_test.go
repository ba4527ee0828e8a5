package publish

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/analytics"
	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

// mockProvider is an UpdatesProvider and StatusProvider backed by plain
// channels.
type mockProvider struct {
	updates  chan pipeline.Result
	statuses chan pipeline.StatusEvent
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		updates:  make(chan pipeline.Result, 64),
		statuses: make(chan pipeline.StatusEvent, 64),
	}
}

func (m *mockProvider) Updates() <-chan pipeline.Result       { return m.updates }
func (m *mockProvider) Statuses() <-chan pipeline.StatusEvent { return m.statuses }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// result builds a one-level-per-side result with its metrics computed over
// the default bands.
func result(ex adapter.Exchange, symbol, bid, bidQty, ask, askQty string) pipeline.Result {
	bids := []book.Level{{Price: d(bid), Quantity: d(bidQty), Total: d(bidQty)}}
	asks := []book.Level{{Price: d(ask), Quantity: d(askQty), Total: d(askQty)}}
	m := analytics.ComputeMetrics(bids, asks, []decimal.Decimal{d("0.01")})
	return pipeline.Result{
		Exchange:      ex,
		Symbol:        symbol,
		Kind:          adapter.Diff,
		Sequence:      7,
		HasSequence:   true,
		Bids:          bids,
		Asks:          asks,
		BestBid:       m.BestBid,
		BestAsk:       m.BestAsk,
		Spread:        m.Spread,
		SpreadPercent: m.SpreadPercent,
		Depth:         m.Depth,
		ProcessedAt:   time.UnixMilli(1700000000000),
	}
}
