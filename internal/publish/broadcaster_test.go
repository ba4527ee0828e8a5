package publish

import (
	"context"
	"testing"
	"time"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

var (
	btcBinance = adapter.Key{Exchange: adapter.BinanceFutures, Symbol: "BTCUSDT"}
	btcToobit  = adapter.Key{Exchange: adapter.ToobitFutures, Symbol: "BTCUSDT"}
	ethBinance = adapter.Key{Exchange: adapter.BinanceFutures, Symbol: "ETHUSDT"}
)

func TestBroadcaster_MultipleProviders(t *testing.T) {
	a := newMockProvider()
	b := newMockProvider()

	bc := NewBroadcaster(nil)
	bc.Register(a)
	bc.Register(b)

	all := bc.SubscribeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	a.updates <- result(adapter.BinanceFutures, "BTCUSDT", "100", "1", "101", "1")
	b.updates <- result(adapter.ToobitFutures, "BTCUSDT", "100", "1", "101", "1")

	received := map[adapter.Exchange]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-all:
			received[u.Exchange] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i+1)
		}
	}
	if !received[adapter.BinanceFutures] || !received[adapter.ToobitFutures] {
		t.Fatalf("missing updates on unified stream: %v", received)
	}
}

func TestBroadcaster_FilteredSubscribers(t *testing.T) {
	src := newMockProvider()

	bc := NewBroadcaster(nil)
	bc.Register(src)

	subBTC := bc.Subscribe(btcBinance)
	subETH := bc.Subscribe(ethBinance)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	src.updates <- result(adapter.BinanceFutures, "BTCUSDT", "100", "1", "101", "1")
	src.updates <- result(adapter.BinanceFutures, "ETHUSDT", "10", "1", "11", "1")

	select {
	case u := <-subBTC:
		if u.Key() != btcBinance {
			t.Fatalf("btc subscriber got %s", u.Key())
		}
	case <-time.After(time.Second):
		t.Fatal("btc subscriber: timed out")
	}
	select {
	case u := <-subETH:
		if u.Key() != ethBinance {
			t.Fatalf("eth subscriber got %s", u.Key())
		}
	case <-time.After(time.Second):
		t.Fatal("eth subscriber: timed out")
	}

	select {
	case u := <-subBTC:
		t.Fatalf("unexpected extra update: %s", u.Key())
	case u := <-subETH:
		t.Fatalf("unexpected extra update: %s", u.Key())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriber(t *testing.T) {
	src := newMockProvider()

	bc := NewBroadcaster(nil)
	bc.Register(src)

	// A full one-slot channel stands in for a stalled consumer.
	slow := make(chan pipeline.Result, 1)
	bc.mu.Lock()
	bc.subs[ethBinance] = append(bc.subs[ethBinance], slow)
	bc.mu.Unlock()

	fast := bc.Subscribe(btcBinance)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	src.updates <- result(adapter.BinanceFutures, "ETHUSDT", "10", "1", "11", "1")
	src.updates <- result(adapter.BinanceFutures, "ETHUSDT", "10", "2", "11", "1")
	src.updates <- result(adapter.BinanceFutures, "BTCUSDT", "100", "1", "101", "1")

	select {
	case u := <-fast:
		if u.Symbol != "BTCUSDT" {
			t.Fatalf("fast subscriber got %s", u.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by slow subscriber")
	}
	if bc.Dropped() == 0 {
		t.Fatal("expected a dropped delivery")
	}
}

func TestBroadcaster_Statuses(t *testing.T) {
	src := newMockProvider()

	bc := NewBroadcaster(nil)
	bc.Register(src)
	statuses := bc.SubscribeStatuses()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	src.statuses <- pipeline.StatusEvent{Exchange: adapter.BinanceFutures, Symbol: "BTCUSDT", Status: pipeline.StatusResyncing}

	select {
	case ev := <-statuses:
		if ev.Status != pipeline.StatusResyncing || ev.Key() != btcBinance {
			t.Fatalf("unexpected status %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("status not delivered")
	}
}

func TestBroadcaster_RunReturnsWhenSourcesClose(t *testing.T) {
	src := newMockProvider()
	bc := NewBroadcaster(nil)
	bc.Register(src)

	done := make(chan struct{})
	go func() {
		bc.Run(context.Background())
		close(done)
	}()

	close(src.updates)
	close(src.statuses)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after sources closed")
	}
}
