package publish

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// UpdatesProvider is satisfied by pipeline.Registry.
type UpdatesProvider interface {
	Updates() <-chan pipeline.Result
}

// StatusProvider is the optional status half of a provider.
type StatusProvider interface {
	Statuses() <-chan pipeline.StatusEvent
}

// Broadcaster is a many-to-many hub that ingests results from any number of
// providers and distributes them to per-book subscribers and a unified "all"
// stream. Status changes are fanned out the same way.
type Broadcaster struct {
	log      *zap.Logger
	sources  []<-chan pipeline.Result
	statusIn []<-chan pipeline.StatusEvent

	// Filtered subscribers keyed by book.
	mu   sync.RWMutex
	subs map[adapter.Key][]chan pipeline.Result

	allMu  sync.RWMutex
	allSub []chan pipeline.Result

	statusMu  sync.RWMutex
	statusSub []chan pipeline.StatusEvent

	dropped atomic.Uint64
}

// NewBroadcaster creates a Broadcaster ready for provider registration.
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:  log.Named("broadcaster"),
		subs: make(map[adapter.Key][]chan pipeline.Result),
	}
}

// Register adds a provider's channels as sources. Must be called before Run.
func (b *Broadcaster) Register(provider UpdatesProvider) {
	b.sources = append(b.sources, provider.Updates())
	if sp, ok := provider.(StatusProvider); ok {
		b.statusIn = append(b.statusIn, sp.Statuses())
	}
}

// Subscribe returns a buffered channel receiving results for key. The
// caller must drain it; a full channel loses updates.
func (b *Broadcaster) Subscribe(key adapter.Key) <-chan pipeline.Result {
	ch := make(chan pipeline.Result, 256)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a channel receiving every result. Intended for the
// sinks and the UI hub.
func (b *Broadcaster) SubscribeAll() <-chan pipeline.Result {
	ch := make(chan pipeline.Result, 1024)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// SubscribeStatuses returns a channel receiving every status change.
func (b *Broadcaster) SubscribeStatuses() <-chan pipeline.StatusEvent {
	ch := make(chan pipeline.StatusEvent, 256)

	b.statusMu.Lock()
	b.statusSub = append(b.statusSub, ch)
	b.statusMu.Unlock()

	return ch
}

// Dropped reports how many deliveries were lost to full subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Run consumes every registered source until ctx is cancelled or all
// sources are closed.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan pipeline.Result) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case res, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(res)
				}
			}
		}(src)
	}

	for _, src := range b.statusIn {
		wg.Add(1)
		go func(ch <-chan pipeline.StatusEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.distributeStatus(ev)
				}
			}
		}(src)
	}

	wg.Wait()
}

// distribute never blocks: slow subscribers lose messages.
func (b *Broadcaster) distribute(res pipeline.Result) {
	key := res.Key()

	b.mu.RLock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- res:
		default:
			b.dropped.Add(1)
			b.log.Warn("dropping update for slow subscriber", zap.Stringer("key", key))
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- res:
		default:
			b.dropped.Add(1)
		}
	}
	b.allMu.RUnlock()
}

func (b *Broadcaster) distributeStatus(ev pipeline.StatusEvent) {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	for _, ch := range b.statusSub {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn("dropping status for slow subscriber", zap.Stringer("key", ev.Key()))
		}
	}
}
