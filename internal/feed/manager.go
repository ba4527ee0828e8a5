package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

var (
	ErrNoSession     = errors.New("feed: no session serves exchange")
	ErrSessionExists = errors.New("feed: session already registered")
)

// Books is satisfied by pipeline.Registry.
type Books interface {
	Dispatcher
	Subscribe(ctx context.Context, key adapter.Key, ad adapter.Adapter) (*pipeline.Pipeline, error)
	Unsubscribe(key adapter.Key) error
}

// Manager owns every session, keyed by name, and routes each exchange id to
// the session that carries it. It is the pipelines' Resyncer.
type Manager struct {
	books Books
	cfg   Config
	log   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	routes   map[adapter.Exchange]*Session
	order    []string
}

// NewManager creates an empty Manager dispatching into books.
func NewManager(books Books, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		books:    books,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		routes:   make(map[adapter.Exchange]*Session),
	}
}

// Add registers a session for proto carrying exchanges. An exchange already
// routed elsewhere is moved to the new session.
func (m *Manager) Add(name string, proto adapter.Protocol, exchanges ...adapter.Exchange) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	s := NewSession(name, proto, m.books, m.cfg, m.log)
	m.sessions[name] = s
	m.order = append(m.order, name)
	for _, ex := range exchanges {
		m.routes[ex] = s
	}
	return s, nil
}

// Session returns the session carrying exchange.
func (m *Manager) Session(exchange adapter.Exchange) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.routes[exchange]
	return s, ok
}

// Sessions returns every session in registration order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// Exchanges returns the exchanges routed to s.
func (m *Manager) Exchanges(s *Session) []adapter.Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []adapter.Exchange
	for ex, rs := range m.routes {
		if rs == s {
			out = append(out, ex)
		}
	}
	return out
}

// Start connects every session. Sessions that fail are closed and the
// joined error is returned; the rest keep running.
func (m *Manager) Start(ctx context.Context) error {
	var errs []error
	for _, s := range m.Sessions() {
		if err := s.Start(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		m.log.Info("session started", zap.String("session", s.Name()), zap.String("endpoint", s.Protocol().Endpoint()))
	}
	return errors.Join(errs...)
}

// Watch creates the pipeline for key and subscribes it upstream.
func (m *Manager) Watch(ctx context.Context, key adapter.Key) error {
	s, ok := m.Session(key.Exchange)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, key.Exchange)
	}
	ad, err := s.Protocol().Adapter(key)
	if err != nil {
		return err
	}
	if _, err := m.books.Subscribe(ctx, key, ad); err != nil {
		return err
	}
	if err := s.Subscribe(key); err != nil {
		_ = m.books.Unsubscribe(key)
		return err
	}
	return nil
}

// Unwatch unsubscribes key upstream and discards its pipeline.
func (m *Manager) Unwatch(key adapter.Key) error {
	s, ok := m.Session(key.Exchange)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, key.Exchange)
	}
	if err := s.Unsubscribe(key); err != nil {
		return err
	}
	return m.books.Unsubscribe(key)
}

// RequestResync implements pipeline.Resyncer.
func (m *Manager) RequestResync(key adapter.Key) {
	s, ok := m.Session(key.Exchange)
	if !ok {
		m.log.Warn("resync for unrouted exchange", zap.Stringer("key", key))
		return
	}
	s.RequestResync(key)
}

// Close stops every session.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
}
