package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
)

type entry struct {
	p      *Pipeline
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every running pipeline, keyed by (exchange, symbol). Each
// pipeline runs on its own goroutine; results and status changes from all
// of them are merged onto Updates and Statuses.
type Registry struct {
	cfg  Config
	log  *zap.Logger
	opts []Option

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[adapter.Key]*entry
	closed  bool

	resyncMu sync.RWMutex
	resyncer Resyncer

	updates  chan Result
	statuses chan StatusEvent
	wg       sync.WaitGroup
}

// NewRegistry returns an empty registry. cfg is used for every pipeline it
// creates; opts are passed through to New.
func NewRegistry(cfg Config, log *zap.Logger, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg.clone(),
		log:      log,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[adapter.Key]*entry),
		updates:  make(chan Result, 1024),
		statuses: make(chan StatusEvent, 256),
	}, nil
}

// SetResyncer sets the upstream asked for snapshots after a gap. It can be
// set after pipelines exist.
func (r *Registry) SetResyncer(rs Resyncer) {
	r.resyncMu.Lock()
	r.resyncer = rs
	r.resyncMu.Unlock()
}

// RequestResync forwards to the current resyncer.
func (r *Registry) RequestResync(key adapter.Key) {
	r.resyncMu.RLock()
	rs := r.resyncer
	r.resyncMu.RUnlock()
	if rs != nil {
		rs.RequestResync(key)
	}
}

// Subscribe creates the pipeline for key and starts it. The pipeline stops
// when ctx is cancelled, on Unsubscribe or on Close.
func (r *Registry) Subscribe(ctx context.Context, key adapter.Key, ad adapter.Adapter) (*Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, key)
	}

	opts := append([]Option{WithLogger(r.log), WithResyncer(r)}, r.opts...)
	p, err := New(key, ad, r.cfg, opts...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	stop := func() bool { return false }
	if ctx != nil {
		stop = context.AfterFunc(ctx, cancel)
	}

	p.OnUpdate(func(res Result) {
		select {
		case r.updates <- res:
		case <-runCtx.Done():
		}
	})
	p.OnStatus(func(ev StatusEvent) {
		select {
		case r.statuses <- ev:
		case <-runCtx.Done():
		}
	})

	e := &entry{p: p, cancel: cancel, done: make(chan struct{})}
	r.entries[key] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer stop()
		if err := p.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("pipeline stopped", zap.Stringer("key", key), zap.Error(err))
		}
		r.forget(key, e)
	}()

	r.log.Info("subscribed", zap.Stringer("key", key), zap.Stringer("policy", ad.Policy()))
	return p, nil
}

// forget drops e once its pipeline has stopped, unless key was already
// unsubscribed or taken by a new pipeline.
func (r *Registry) forget(key adapter.Key, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Unsubscribe stops the pipeline for key and discards its book.
func (r *Registry) Unsubscribe(key adapter.Key) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	e.cancel()
	<-e.done
	r.log.Info("unsubscribed", zap.Stringer("key", key))
	return nil
}

// Dispatch queues raw for the pipeline owning key.
func (r *Registry) Dispatch(key adapter.Key, raw []byte) error {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	e.p.Ingest(raw)
	return nil
}

// Get returns the pipeline for key.
func (r *Registry) Get(key adapter.Key) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// Keys returns the subscribed keys, sorted by exchange then symbol.
func (r *Registry) Keys() []adapter.Key {
	r.mu.RLock()
	keys := make([]adapter.Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

// UpdateConfig applies new view settings to every pipeline and to pipelines
// created later.
func (r *Registry) UpdateConfig(maxLevels int, bands []decimal.Decimal) error {
	if err := validateView(maxLevels, bands); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxLevels = maxLevels
	r.cfg.Bands = append([]decimal.Decimal(nil), bands...)
	for _, e := range r.entries {
		if err := e.p.UpdateConfig(maxLevels, bands); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the config new pipelines are created with.
func (r *Registry) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.clone()
}

// Updates returns the merged result stream. Pipelines block when it is full,
// so it must be drained.
func (r *Registry) Updates() <-chan Result { return r.updates }

// Statuses returns the merged status stream.
func (r *Registry) Statuses() <-chan StatusEvent { return r.statuses }

// Close stops every pipeline and closes both streams.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.entries = make(map[adapter.Key]*entry)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.updates)
	close(r.statuses)
}
