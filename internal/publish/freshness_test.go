package publish

import (
	"testing"
	"time"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

type stubCircuit struct{ state adapter.CircuitState }

func (s *stubCircuit) Circuit() adapter.CircuitState { return s.state }

func newTestMonitor(clock *fakeClock) *Monitor {
	m := NewMonitor(FreshnessConfig{StaleThreshold: time.Second, CoolOff: 2 * time.Second}, nil, nil)
	m.nowFunc = clock.Now
	return m
}

func TestMonitor_UnknownBookNotFresh(t *testing.T) {
	m := newTestMonitor(newFakeClock(time.Now()))
	if m.Fresh(btcBinance) {
		t.Fatal("expected a book with no data to be stale")
	}
}

func TestMonitor_CoolOffAfterFirstUpdate(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.recordUpdate(btcBinance)
	if m.Fresh(btcBinance) {
		t.Fatal("expected cool-off after first update")
	}

	clock.Advance(2500 * time.Millisecond)
	m.recordUpdate(btcBinance)
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh after cool-off")
	}
}

func TestMonitor_Staleness(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.recordUpdate(btcBinance)
	clock.Advance(3 * time.Second)
	m.recordUpdate(btcBinance)
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh")
	}

	clock.Advance(1500 * time.Millisecond)
	if m.Fresh(btcBinance) {
		t.Fatal("expected stale after threshold")
	}
}

func TestMonitor_StatusGatesFreshness(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.recordStatus(pipeline.StatusEvent{Exchange: btcBinance.Exchange, Symbol: btcBinance.Symbol, Status: pipeline.StatusSynced})
	m.recordUpdate(btcBinance)
	clock.Advance(3 * time.Second)
	m.recordUpdate(btcBinance)
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh")
	}

	m.recordStatus(pipeline.StatusEvent{Exchange: btcBinance.Exchange, Symbol: btcBinance.Symbol, Status: pipeline.StatusResyncing})
	if m.Fresh(btcBinance) {
		t.Fatal("expected resyncing book to be stale")
	}
	if st, ok := m.Status(btcBinance); !ok || st != pipeline.StatusResyncing {
		t.Fatalf("Status = %v, %v", st, ok)
	}

	// Recovery restarts the cool-off.
	m.recordStatus(pipeline.StatusEvent{Exchange: btcBinance.Exchange, Symbol: btcBinance.Symbol, Status: pipeline.StatusSynced})
	m.recordUpdate(btcBinance)
	if m.Fresh(btcBinance) {
		t.Fatal("expected cool-off after recovery")
	}
	clock.Advance(2 * time.Second)
	m.recordUpdate(btcBinance)
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh after recovery cool-off")
	}
}

func TestMonitor_ConnectionAndHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)
	circuit := &stubCircuit{state: adapter.CircuitOpen}
	m.WatchConnection(adapter.BinanceFutures, circuit)

	m.recordUpdate(btcBinance)
	clock.Advance(3 * time.Second)
	m.recordUpdate(btcBinance)
	if m.Fresh(btcBinance) {
		t.Fatal("expected stale while the circuit is open")
	}

	circuit.state = adapter.CircuitClosed
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh once the circuit closes")
	}
	if m.Fresh(btcToobit) {
		t.Fatal("another venue's book must not be affected")
	}

	m.Halt()
	if m.Fresh(btcBinance) {
		t.Fatal("expected stale during halt")
	}
	m.Resume()
	if !m.Fresh(btcBinance) {
		t.Fatal("expected fresh after resume")
	}

	m.MarkStale(btcBinance)
	if m.Fresh(btcBinance) {
		t.Fatal("expected stale after MarkStale")
	}
}
