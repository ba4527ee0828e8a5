package publish

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/analytics"
	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// Pair links the same symbol on two venues. The challenger is scored
// against the baseline.
type Pair struct {
	Symbol     string
	Baseline   adapter.Exchange
	Challenger adapter.Exchange
}

// Name labels the pair, e.g. "BTCUSDT bnUM/toobitUM".
func (p Pair) Name() string {
	return p.Symbol + " " + string(p.Baseline) + "/" + string(p.Challenger)
}

// DefaultPairs compares Binance (baseline) with Toobit for every symbol.
func DefaultPairs(m adapter.Market, symbols []string) []Pair {
	base, challenger := adapter.BinanceFutures, adapter.ToobitFutures
	if m == adapter.Spot {
		base, challenger = adapter.BinanceSpot, adapter.ToobitSpot
	}
	out := make([]Pair, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, Pair{Symbol: s, Baseline: base, Challenger: challenger})
	}
	return out
}

// ComparisonEvent is emitted whenever either side of a pair updates while
// both sides are fresh.
type ComparisonEvent struct {
	Pair Pair
	analytics.Comparison
	At time.Time
}

// FreshnessChecker is satisfied by Monitor.
type FreshnessChecker interface {
	Fresh(key adapter.Key) bool
}

type pairState struct {
	Pair       Pair
	Baseline   *pipeline.Result
	Challenger *pipeline.Result
	Last       *ComparisonEvent
}

// Comparator keeps the latest result of both venues for each pair and
// scores them on every update.
type Comparator struct {
	bc    *Broadcaster
	fresh FreshnessChecker
	band  decimal.Decimal
	side  book.Side

	mu     sync.RWMutex
	states map[string]*pairState // keyed by Pair.Name

	events  chan ComparisonEvent
	nowFunc func() time.Time
}

// NewComparator creates a Comparator scoring depth within band on side.
// fresh may be nil, in which case every result is used.
func NewComparator(bc *Broadcaster, fresh FreshnessChecker, band decimal.Decimal, side book.Side) *Comparator {
	return &Comparator{
		bc:      bc,
		fresh:   fresh,
		band:    band,
		side:    side,
		states:  make(map[string]*pairState),
		events:  make(chan ComparisonEvent, 256),
		nowFunc: time.Now,
	}
}

// Events returns the comparison stream. Events are dropped when it is full.
func (c *Comparator) Events() <-chan ComparisonEvent {
	return c.events
}

// AddPair registers a pair. Must be called before Run.
func (c *Comparator) AddPair(p Pair) {
	c.mu.Lock()
	c.states[p.Name()] = &pairState{Pair: p}
	c.mu.Unlock()
}

// Latest returns the last comparison for p.
func (c *Comparator) Latest(p Pair) (ComparisonEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.states[p.Name()]
	if !ok || ps.Last == nil {
		return ComparisonEvent{}, false
	}
	return *ps.Last, true
}

// Run subscribes to both sides of every pair and blocks until ctx is
// cancelled.
func (c *Comparator) Run(ctx context.Context) {
	c.mu.RLock()
	pairs := make([]Pair, 0, len(c.states))
	for _, ps := range c.states {
		pairs = append(pairs, ps.Pair)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range pairs {
		baseCh := c.bc.Subscribe(adapter.Key{Exchange: p.Baseline, Symbol: p.Symbol})
		challCh := c.bc.Subscribe(adapter.Key{Exchange: p.Challenger, Symbol: p.Symbol})

		wg.Add(2)
		go func(p Pair, ch <-chan pipeline.Result) {
			defer wg.Done()
			c.consume(ctx, p, ch)
		}(p, baseCh)
		go func(p Pair, ch <-chan pipeline.Result) {
			defer wg.Done()
			c.consume(ctx, p, ch)
		}(p, challCh)
	}
	wg.Wait()
}

func (c *Comparator) consume(ctx context.Context, p Pair, ch <-chan pipeline.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			c.apply(p, res)
		}
	}
}

func (c *Comparator) apply(p Pair, res pipeline.Result) {
	c.mu.Lock()
	ps := c.states[p.Name()]
	r := res
	switch res.Exchange {
	case p.Baseline:
		ps.Baseline = &r
	case p.Challenger:
		ps.Challenger = &r
	}
	base, chall := ps.Baseline, ps.Challenger
	c.mu.Unlock()

	if base == nil || chall == nil {
		return
	}
	if c.fresh != nil && (!c.fresh.Fresh(base.Key()) || !c.fresh.Fresh(chall.Key())) {
		return
	}

	ev := ComparisonEvent{
		Pair:       p,
		Comparison: analytics.Compare(p.Symbol, base.Metrics(), chall.Metrics(), c.band, c.side),
		At:         c.nowFunc(),
	}

	c.mu.Lock()
	ps.Last = &ev
	c.mu.Unlock()

	select {
	case c.events <- ev:
	default:
	}
}
