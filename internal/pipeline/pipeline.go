// Package pipeline runs adapter, sequence guard, order book and analytics
// in order for one (exchange, symbol) book, and coordinates many such
// pipelines through a Registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/analytics"
	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

// Resyncer is the upstream that can deliver a fresh snapshot for a book.
// RequestResync must not block; the snapshot arrives later through Ingest.
type Resyncer interface {
	RequestResync(key adapter.Key)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithResyncer sets who is asked for a new snapshot after a gap.
func WithResyncer(r Resyncer) Option {
	return func(p *Pipeline) { p.resyncer = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type frame struct {
	raw []byte
	at  time.Time
}

// maxHeldDiffs bounds the diffs kept while a REST snapshot is in flight.
// The oldest is dropped first.
const maxHeldDiffs = 1000

type heldDiff struct {
	ev adapter.DepthEvent
	at time.Time
}

// Pipeline owns one book and its sequence guard. Ingest may be called from
// any goroutine; everything else happens on the goroutine running Run (or
// the caller of Process, which must not be used concurrently with Run).
type Pipeline struct {
	key      adapter.Key
	adapter  adapter.Adapter
	log      *zap.Logger
	now      func() time.Time
	resyncer Resyncer

	book  *book.OrderBook
	guard *sequence.Guard
	cfg   Config

	holdDiffs bool
	held      deque.Deque[heldDiff]

	pendingMu sync.Mutex
	pending   *Config

	inboxMu sync.Mutex
	inbox   deque.Deque[frame]
	stopped bool
	wake    chan struct{}

	cbMu     sync.RWMutex
	onUpdate []func(Result)
	onStatus []func(StatusEvent)

	status       atomic.Uint32
	awaitingFrom time.Time // zero once a snapshot is applied
	latest       atomic.Pointer[Result]

	received, applied, ignored, malformed atomic.Uint64
	stale, unsynced, gaps, levelErrors    atomic.Uint64
	heldCount                             atomic.Uint64
}

// New builds a pipeline for key. The adapter is fixed for the pipeline's
// lifetime.
func New(key adapter.Key, ad adapter.Adapter, cfg Config, opts ...Option) (*Pipeline, error) {
	if ad == nil {
		return nil, fmt.Errorf("pipeline %s: nil adapter", key)
	}
	if ex := ad.Exchange(); ex != "" && ex != key.Exchange {
		return nil, fmt.Errorf("pipeline %s: adapter serves %s", key, ex)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		key:     key,
		adapter: ad,
		log:     zap.NewNop(),
		now:     time.Now,
		book:    book.New(),
		guard:   sequence.New(ad.Policy()),
		cfg:     cfg.clone(),
		wake:    make(chan struct{}, 1),
	}
	if rs, ok := ad.(adapter.RESTSnapshotter); ok {
		p.holdDiffs = rs.SnapshotsOverREST()
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pipeline").With(
		zap.String("exchange", string(key.Exchange)),
		zap.String("symbol", key.Symbol),
	)
	p.awaitingFrom = p.now()
	return p, nil
}

// Key returns the book this pipeline maintains.
func (p *Pipeline) Key() adapter.Key { return p.key }

// OnUpdate registers fn to receive every Result. Callbacks run on the
// pipeline goroutine and should hand work off quickly.
func (p *Pipeline) OnUpdate(fn func(Result)) {
	p.cbMu.Lock()
	p.onUpdate = append(p.onUpdate, fn)
	p.cbMu.Unlock()
}

// OnStatus registers fn to receive status changes.
func (p *Pipeline) OnStatus(fn func(StatusEvent)) {
	p.cbMu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.cbMu.Unlock()
}

// UpdateConfig changes depth truncation and bands. The change takes effect
// on the next processed event; the book itself is kept.
func (p *Pipeline) UpdateConfig(maxLevels int, bands []decimal.Decimal) error {
	if err := validateView(maxLevels, bands); err != nil {
		return err
	}
	p.pendingMu.Lock()
	next := Config{MaxLevels: maxLevels, Bands: bands}.clone()
	p.pending = &next
	p.pendingMu.Unlock()
	return nil
}

// Ingest queues a raw message. It never blocks and never drops while the
// pipeline can still run; once Run has returned, raw is discarded.
func (p *Pipeline) Ingest(raw []byte) {
	f := frame{raw: raw, at: p.now()}
	p.inboxMu.Lock()
	if p.stopped {
		p.inboxMu.Unlock()
		return
	}
	p.inbox.PushBack(f)
	p.inboxMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued messages.
func (p *Pipeline) Pending() int {
	p.inboxMu.Lock()
	defer p.inboxMu.Unlock()
	return p.inbox.Len()
}

func (p *Pipeline) stop() {
	p.inboxMu.Lock()
	p.stopped = true
	p.inbox.Clear()
	p.inboxMu.Unlock()
}

func (p *Pipeline) pop() (frame, bool) {
	p.inboxMu.Lock()
	defer p.inboxMu.Unlock()
	if p.inbox.Len() == 0 {
		return frame{}, false
	}
	return p.inbox.PopFront(), true
}

// Run drains the inbox in arrival order until ctx is cancelled. It also
// watches the resync deadline while the inbox is idle.
func (p *Pipeline) Run(ctx context.Context) error {
	tick := p.cfg.ResyncTimeout / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f, ok := p.pop(); ok {
			p.handle(f)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
			p.checkDeadline(p.now())
		}
	}
}

// Process runs one message synchronously and returns the emitted result, if
// any.
func (p *Pipeline) Process(raw []byte) (Result, bool) {
	return p.handle(frame{raw: raw, at: p.now()})
}

// Status returns the last reported status, or 0 before the first one.
func (p *Pipeline) Status() Status { return Status(p.status.Load()) }

// Latest returns the most recent result. It stays available while the book
// is resyncing or degraded, so consumers can show it as stale.
func (p *Pipeline) Latest() (Result, bool) {
	r := p.latest.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:    p.received.Load(),
		Applied:     p.applied.Load(),
		Ignored:     p.ignored.Load(),
		Malformed:   p.malformed.Load(),
		Stale:       p.stale.Load(),
		Unsynced:    p.unsynced.Load(),
		Gaps:        p.gaps.Load(),
		LevelErrors: p.levelErrors.Load(),
		Held:        p.heldCount.Load(),
	}
}

func (p *Pipeline) handle(f frame) (Result, bool) {
	p.received.Add(1)
	p.applyPending()
	p.checkDeadline(f.at)

	res := p.adapter.Parse(f.raw)
	switch res.Kind {
	case adapter.KindDepth:
	case adapter.KindMalformed:
		p.malformed.Add(1)
		p.log.Warn("dropping malformed message", zap.String("reason", res.Reason))
		return Result{}, false
	default:
		// Control frames are answered by the connection, not the book.
		p.ignored.Add(1)
		return Result{}, false
	}

	ev := res.Event
	if ev.Symbol != "" && ev.Symbol != p.key.Symbol {
		p.ignored.Add(1)
		p.log.Debug("dropping message for another symbol", zap.String("got", ev.Symbol))
		return Result{}, false
	}
	if ev.ReceiveTime.IsZero() {
		ev.ReceiveTime = f.at
	}

	var levelErr error
	switch ev.Kind {
	case adapter.Snapshot:
		levelErr = p.book.ApplySnapshot(ev.Bids, ev.Asks, ev.Span.Last, ev.Span.HasID, ev.ReceiveTime)
		p.guard.Reset(ev.Span)
		p.awaitingFrom = time.Time{}
		p.setStatus(StatusSynced, "snapshot applied", f.at)

	case adapter.Diff:
		if p.holdDiffs && p.guard.State() == sequence.Unsynced {
			p.hold(ev, f.at)
			return Result{}, false
		}
		if err := p.guard.Check(ev.Span); err != nil {
			p.reject(err, ev.Span, f.at)
			return Result{}, false
		}
		levelErr = p.book.ApplyDiff(ev.Bids, ev.Asks, ev.Span.Last, ev.Span.HasID, ev.ReceiveTime)

	default:
		p.malformed.Add(1)
		p.log.Warn("dropping event of unknown kind", zap.Stringer("kind", ev.Kind))
		return Result{}, false
	}

	out := p.emit(ev, levelErr)
	if ev.Kind == adapter.Snapshot {
		p.replayHeld()
	}
	return out, true
}

// emit publishes the book after one applied event.
func (p *Pipeline) emit(ev adapter.DepthEvent, levelErr error) Result {
	if levelErr != nil {
		n := countErrors(levelErr)
		p.levelErrors.Add(uint64(n))
		p.log.Warn("skipped malformed levels", zap.Int("count", n), zap.Error(levelErr))
	}

	out := p.build(ev, p.now())
	p.applied.Add(1)
	p.latest.Store(&out)

	p.cbMu.RLock()
	cbs := p.onUpdate
	p.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(out)
	}
	return out
}

func (p *Pipeline) hold(ev adapter.DepthEvent, at time.Time) {
	if p.held.Len() >= maxHeldDiffs {
		p.held.PopFront()
		p.unsynced.Add(1)
	}
	p.held.PushBack(heldDiff{ev: ev, at: at})
	p.heldCount.Add(1)
}

// replayHeld runs the diffs held during a snapshot fetch through the guard.
// Those the snapshot already covers are stale. A gap discards the rest; the
// resync it triggers starts holding again.
func (p *Pipeline) replayHeld() {
	for p.held.Len() > 0 {
		h := p.held.PopFront()
		if err := p.guard.Check(h.ev.Span); err != nil {
			p.reject(err, h.ev.Span, h.at)
			if errors.Is(err, sequence.ErrGap) {
				p.unsynced.Add(uint64(p.held.Len()))
				p.held.Clear()
				return
			}
			continue
		}
		levelErr := p.book.ApplyDiff(h.ev.Bids, h.ev.Asks, h.ev.Span.Last, h.ev.Span.HasID, h.ev.ReceiveTime)
		p.emit(h.ev, levelErr)
	}
}

func (p *Pipeline) reject(err error, span sequence.Span, at time.Time) {
	switch {
	case errors.Is(err, sequence.ErrStale):
		p.stale.Add(1)
	case errors.Is(err, sequence.ErrUnsynced):
		p.unsynced.Add(1)
	case errors.Is(err, sequence.ErrGap):
		p.gaps.Add(1)
		last, _ := p.guard.LastID()
		p.log.Warn("sequence gap, requesting snapshot",
			zap.Error(err),
			zap.Int64("last_id", last),
			zap.Int64("first", span.First),
			zap.Int64("prev", span.Prev),
		)
		p.guard.Resync()
		p.awaitingFrom = at
		p.setStatus(StatusResyncing, err.Error(), at)
		p.requestResync()
	}
}

// checkDeadline reports degraded once the snapshot wait exceeds the resync
// timeout, and asks upstream again each time the window elapses.
func (p *Pipeline) checkDeadline(now time.Time) {
	if p.awaitingFrom.IsZero() || now.Sub(p.awaitingFrom) < p.cfg.ResyncTimeout {
		return
	}
	p.log.Warn("no snapshot within resync timeout", zap.Duration("timeout", p.cfg.ResyncTimeout))
	p.awaitingFrom = now
	p.setStatus(StatusDegraded, "resync timeout", now)
	p.requestResync()
}

func (p *Pipeline) requestResync() {
	if p.resyncer != nil {
		p.resyncer.RequestResync(p.key)
	}
}

func (p *Pipeline) applyPending() {
	p.pendingMu.Lock()
	next := p.pending
	p.pending = nil
	p.pendingMu.Unlock()
	if next == nil {
		return
	}
	p.cfg.MaxLevels = next.MaxLevels
	p.cfg.Bands = next.Bands
	p.log.Info("config updated", zap.Int("max_levels", next.MaxLevels), zap.Int("bands", len(next.Bands)))
}

func (p *Pipeline) setStatus(s Status, reason string, at time.Time) {
	if Status(p.status.Swap(uint32(s))) == s {
		return
	}
	p.log.Info("status changed", zap.Stringer("status", s), zap.String("reason", reason))

	ev := StatusEvent{Exchange: p.key.Exchange, Symbol: p.key.Symbol, Status: s, Reason: reason, At: at}
	p.cbMu.RLock()
	cbs := p.onStatus
	p.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(ev)
	}
}

func (p *Pipeline) build(ev adapter.DepthEvent, at time.Time) Result {
	bids, asks := p.book.Materialize(p.cfg.MaxLevels)
	m := analytics.ComputeMetrics(bids, asks, p.cfg.Bands)
	seq, hasSeq := p.guard.LastID()
	return Result{
		Exchange:      p.key.Exchange,
		Symbol:        p.key.Symbol,
		Kind:          ev.Kind,
		Sequence:      seq,
		HasSequence:   hasSeq,
		Bids:          bids,
		Asks:          asks,
		BestBid:       m.BestBid,
		BestAsk:       m.BestAsk,
		Spread:        m.Spread,
		SpreadPercent: m.SpreadPercent,
		Depth:         m.Depth,
		ExchangeTime:  ev.ExchangeTime,
		ReceiveTime:   ev.ReceiveTime,
		ProcessedAt:   at,
	}
}

func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range j.Unwrap() {
			n += countErrors(e)
		}
		return n
	}
	return 1
}
