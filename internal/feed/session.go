// Package feed owns the upstream websocket sessions: it subscribes books,
// answers keep-alives, routes depth frames to their pipelines and fetches
// fresh snapshots when a pipeline asks for one.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
)

// maxSnapshotBytes bounds a REST snapshot body.
const maxSnapshotBytes = 16 << 20

// Dispatcher is satisfied by pipeline.Registry.
type Dispatcher interface {
	Dispatch(key adapter.Key, raw []byte) error
}

// Config holds the connection parameters shared by every session. Zero
// durations fall back to adapter.DefaultWSConfig.
type Config struct {
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	// SnapshotLimit is the depth requested from REST snapshot endpoints.
	SnapshotLimit int
	HTTPClient    *http.Client
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotLimit: 1000,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c Config) wsConfig(url string) adapter.WSConfig {
	ws := adapter.DefaultWSConfig(url)
	if c.HeartbeatTimeout > 0 {
		ws.HeartbeatTimeout = c.HeartbeatTimeout
	}
	if c.PingInterval > 0 {
		ws.PingInterval = c.PingInterval
	}
	if c.BackoffInitial > 0 {
		ws.BackoffInitial = c.BackoffInitial
	}
	if c.BackoffMax > 0 {
		ws.BackoffMax = c.BackoffMax
	}
	return ws
}

// Session is one upstream connection and the books subscribed on it.
type Session struct {
	name  string
	proto adapter.Protocol
	ws    *adapter.WSClient
	sink  Dispatcher
	http  *http.Client
	limit int
	log   *zap.Logger

	mu       sync.Mutex
	keys     map[adapter.Key]struct{}
	fetching map[adapter.Key]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession prepares a session for proto. Nothing is dialed until Start.
func NewSession(name string, proto adapter.Protocol, sink Dispatcher, cfg Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	wsCfg := cfg.wsConfig(proto.Endpoint())
	wsCfg.PingFrame = proto.Ping()
	if r, ok := proto.(adapter.EndpointResolver); ok {
		wsCfg.Resolve = r.ResolveEndpoint
	}

	s := &Session{
		name:     name,
		proto:    proto,
		sink:     sink,
		http:     cfg.HTTPClient,
		limit:    cfg.SnapshotLimit,
		log:      log.Named("feed").With(zap.String("session", name)),
		keys:     make(map[adapter.Key]struct{}),
		fetching: make(map[adapter.Key]bool),
	}
	s.ws = adapter.NewWSClient(wsCfg, s.log)
	return s
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Protocol returns the protocol the session speaks.
func (s *Session) Protocol() adapter.Protocol { return s.proto }

// Circuit reports the connection state.
func (s *Session) Circuit() adapter.CircuitState { return s.ws.Circuit() }

// Start dials the upstream and starts routing frames. Books subscribed
// before Start are subscribed once connected.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	msgs := s.ws.Subscribe()
	s.ws.OnReconnect(s.resubscribeAll)
	if err := s.ws.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("feed: connect %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(msgs)
	}()

	s.resubscribeAll()
	return nil
}

// Close stops the session and waits for in-flight snapshot fetches.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.ws.Close()
	s.wg.Wait()
}

// Subscribe adds books to the session. Protocols with REST snapshots get
// one fetched per new book.
func (s *Session) Subscribe(keys ...adapter.Key) error {
	frames, err := s.proto.SubscribeFrames(keys)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	started := s.ctx != nil
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.send(frames)
	for _, k := range keys {
		s.fetchSnapshot(k)
	}
	return nil
}

// Unsubscribe removes books from the session.
func (s *Session) Unsubscribe(keys ...adapter.Key) error {
	frames, err := s.proto.UnsubscribeFrames(keys)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	started := s.ctx != nil
	s.mu.Unlock()

	if started {
		s.send(frames)
	}
	return nil
}

// Keys returns the subscribed books, sorted.
func (s *Session) Keys() []adapter.Key {
	s.mu.Lock()
	keys := make([]adapter.Key, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RequestResync gets a fresh snapshot for key: from REST when the protocol
// has one, otherwise by resubscribing so the venue resends its first-frame
// snapshot.
func (s *Session) RequestResync(key adapter.Key) {
	s.mu.Lock()
	_, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("resync for unknown book", zap.Stringer("key", key))
		return
	}

	if _, rest := s.proto.(adapter.SnapshotSource); rest {
		s.fetchSnapshot(key)
		return
	}

	s.log.Info("resubscribing for snapshot", zap.Stringer("key", key))
	unsub, err := s.proto.UnsubscribeFrames([]adapter.Key{key})
	if err != nil {
		s.log.Error("unsubscribe frames", zap.Stringer("key", key), zap.Error(err))
		return
	}
	sub, err := s.proto.SubscribeFrames([]adapter.Key{key})
	if err != nil {
		s.log.Error("subscribe frames", zap.Stringer("key", key), zap.Error(err))
		return
	}
	s.send(unsub)
	s.send(sub)
}

func (s *Session) resubscribeAll() {
	keys := s.Keys()
	if len(keys) == 0 {
		return
	}
	frames, err := s.proto.SubscribeFrames(keys)
	if err != nil {
		s.log.Error("subscribe frames", zap.Error(err))
		return
	}
	s.log.Info("subscribing", zap.Int("books", len(keys)))
	s.send(frames)
	for _, k := range keys {
		s.fetchSnapshot(k)
	}
}

func (s *Session) send(frames [][]byte) {
	for _, f := range frames {
		s.ws.Send(f)
	}
}

func (s *Session) readLoop(msgs <-chan []byte) {
	for msg := range msgs {
		for _, frame := range adapter.SplitFrames(msg) {
			s.handle(frame)
		}
	}
}

func (s *Session) handle(frame []byte) {
	if key, ok := s.proto.Route(frame); ok {
		if err := s.sink.Dispatch(key, frame); err != nil {
			s.log.Debug("frame for unsubscribed book", zap.Stringer("key", key), zap.Error(err))
		}
		return
	}

	res := s.proto.Parse(frame)
	switch res.Kind {
	case adapter.KindControl:
		if reply := s.proto.Reply(res); reply != nil {
			s.ws.Send(reply)
		}
		if res.Action == adapter.ActionError {
			s.log.Warn("upstream error", zap.String("message", res.Payload))
		}
	case adapter.KindMalformed:
		s.log.Debug("unrecognized frame", zap.String("reason", res.Reason))
	case adapter.KindDepth:
		// Route and Parse disagree; the frame names no book we can find.
		s.log.Debug("unroutable depth frame", zap.String("symbol", res.Event.Symbol))
	}
}

// fetchSnapshot starts an asynchronous REST fetch for key. At most one
// fetch per book is in flight.
func (s *Session) fetchSnapshot(key adapter.Key) {
	src, ok := s.proto.(adapter.SnapshotSource)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.fetching[key] || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.fetching[key] = true
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.fetching, key)
			s.mu.Unlock()
		}()

		body, err := s.get(ctx, src.SnapshotURL(key, s.limit))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Warn("snapshot fetch failed", zap.Stringer("key", key), zap.Error(err))
			}
			return
		}
		if err := s.sink.Dispatch(key, body); err != nil {
			s.log.Debug("snapshot for unsubscribed book", zap.Stringer("key", key), zap.Error(err))
		}
	}()
}

func (s *Session) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
