package publish

import (
	"context"
	"sync"
	"time"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// FreshnessConfig holds tunable parameters for the Monitor.
type FreshnessConfig struct {
	// StaleThreshold is the maximum age of the last result before a book is
	// considered stale.
	StaleThreshold time.Duration

	// CoolOff is how long a book must keep updating after it recovers
	// before it is reported fresh again.
	CoolOff time.Duration
}

// DefaultFreshnessConfig returns defaults for 100ms-class depth streams.
func DefaultFreshnessConfig() FreshnessConfig {
	return FreshnessConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// CircuitReporter is satisfied by adapter.WSClient.
type CircuitReporter interface {
	Circuit() adapter.CircuitState
}

type bookState struct {
	LastUpdate time.Time
	// RecoveredAt is set on every unhealthy to healthy transition.
	RecoveredAt time.Time
	Healthy     bool
	Status      pipeline.Status
}

// Monitor decides whether a book's data can be shown or compared. A book is
// fresh only if:
//   - no manual halt is active
//   - its connection circuit is closed
//   - its pipeline is synced
//   - its last result is within StaleThreshold
//   - the cool-off since recovery has elapsed
type Monitor struct {
	cfg      FreshnessConfig
	updates  <-chan pipeline.Result
	statuses <-chan pipeline.StatusEvent

	connMu sync.RWMutex
	conns  map[adapter.Exchange]CircuitReporter

	mu    sync.RWMutex
	books map[adapter.Key]*bookState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time
}

// NewMonitor creates a Monitor fed by a broadcaster's SubscribeAll and
// SubscribeStatuses channels. Either may be nil.
func NewMonitor(cfg FreshnessConfig, updates <-chan pipeline.Result, statuses <-chan pipeline.StatusEvent) *Monitor {
	return &Monitor{
		cfg:      cfg,
		updates:  updates,
		statuses: statuses,
		conns:    make(map[adapter.Exchange]CircuitReporter),
		books:    make(map[adapter.Key]*bookState),
		nowFunc:  time.Now,
	}
}

// WatchConnection ties every book of exchange to c's circuit state.
func (m *Monitor) WatchConnection(exchange adapter.Exchange, c CircuitReporter) {
	m.connMu.Lock()
	m.conns[exchange] = c
	m.connMu.Unlock()
}

// Halt marks every book not fresh until Resume is called.
func (m *Monitor) Halt() {
	m.haltMu.Lock()
	m.halted = true
	m.haltMu.Unlock()
}

// Resume clears a Halt. Books still need to pass the other checks.
func (m *Monitor) Resume() {
	m.haltMu.Lock()
	m.halted = false
	m.haltMu.Unlock()
}

// Fresh reports whether key's latest result can be trusted.
func (m *Monitor) Fresh(key adapter.Key) bool {
	m.haltMu.RLock()
	halted := m.halted
	m.haltMu.RUnlock()
	if halted {
		return false
	}

	m.connMu.RLock()
	c, ok := m.conns[key.Exchange]
	m.connMu.RUnlock()
	if ok && c.Circuit() == adapter.CircuitOpen {
		return false
	}

	now := m.nowFunc()

	m.mu.RLock()
	defer m.mu.RUnlock()
	bs, exists := m.books[key]
	if !exists || !bs.Healthy {
		return false
	}
	if bs.Status == pipeline.StatusResyncing || bs.Status == pipeline.StatusDegraded {
		return false
	}
	if now.Sub(bs.LastUpdate) > m.cfg.StaleThreshold {
		return false
	}
	if !bs.RecoveredAt.IsZero() && now.Sub(bs.RecoveredAt) < m.cfg.CoolOff {
		return false
	}
	return true
}

// Status returns the last status reported for key.
func (m *Monitor) Status(key adapter.Key) (pipeline.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs, ok := m.books[key]
	if !ok || bs.Status == 0 {
		return 0, false
	}
	return bs.Status, true
}

// Run consumes both feeds until ctx is cancelled or both are closed.
func (m *Monitor) Run(ctx context.Context) {
	updates, statuses := m.updates, m.statuses
	for updates != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.recordUpdate(res.Key())
		case ev, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			m.recordStatus(ev)
		}
	}
}

func (m *Monitor) state(key adapter.Key) *bookState {
	bs, ok := m.books[key]
	if !ok {
		bs = &bookState{}
		m.books[key] = bs
	}
	return bs
}

func (m *Monitor) recordUpdate(key adapter.Key) {
	now := m.nowFunc()

	m.mu.Lock()
	bs := m.state(key)
	if !bs.Healthy {
		bs.RecoveredAt = now
	}
	bs.Healthy = true
	bs.LastUpdate = now
	m.mu.Unlock()
}

func (m *Monitor) recordStatus(ev pipeline.StatusEvent) {
	m.mu.Lock()
	bs := m.state(ev.Key())
	bs.Status = ev.Status
	if ev.Status != pipeline.StatusSynced {
		bs.Healthy = false
	}
	m.mu.Unlock()
}

// MarkStale forces key unhealthy until its next result.
func (m *Monitor) MarkStale(key adapter.Key) {
	m.mu.Lock()
	if bs, ok := m.books[key]; ok {
		bs.Healthy = false
	}
	m.mu.Unlock()
}
