package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/adapter/okx"
	"github.com/caesar-terminal/depthsync/internal/adapter/unified"
)

const unifiedFrame = `{"topic":"depth_bnUM_BTCUSDT","payload":{"info":{"exchange":"bnUM"},"data":{"bids":[{"px":"100","qty":"2"}],"asks":[{"px":"101","qty":"1"}],"tsExch":1700000000000}}}`

var btcBinance = adapter.Key{Exchange: adapter.BinanceFutures, Symbol: "BTCUSDT"}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_DispatchDeliversUpdates(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Subscribe(context.Background(), btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(btcBinance, []byte(unifiedFrame)))

	select {
	case res := <-r.Updates():
		assert.Equal(t, btcBinance, res.Key())
		assert.Equal(t, "100", res.BestBid.String())
		assert.Equal(t, "1", res.Spread.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	select {
	case ev := <-r.Statuses():
		assert.Equal(t, StatusSynced, ev.Status)
		assert.Equal(t, btcBinance, ev.Key())
	case <-time.After(2 * time.Second):
		t.Fatal("no status")
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Subscribe(ctx, btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	assert.ErrorIs(t, err, ErrExists)

	_, err = r.Subscribe(ctx, btcOKX, okx.NewAdapter(adapter.Futures))
	require.NoError(t, err)
	assert.Equal(t, []adapter.Key{btcBinance, btcOKX}, r.Keys())

	p, ok := r.Get(btcOKX)
	require.True(t, ok)
	assert.Equal(t, btcOKX, p.Key())

	require.NoError(t, r.Unsubscribe(btcOKX))
	assert.ErrorIs(t, r.Unsubscribe(btcOKX), ErrNotFound)
	assert.ErrorIs(t, r.Dispatch(btcOKX, []byte("{}")), ErrNotFound)
	_, ok = r.Get(btcOKX)
	assert.False(t, ok)

	// A fresh subscription starts from an empty book.
	_, err = r.Subscribe(ctx, btcOKX, okx.NewAdapter(adapter.Futures))
	require.NoError(t, err)
}

func TestRegistry_SubscribeContextStopsPipeline(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	p, err := r.Subscribe(ctx, btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := r.Get(btcBinance)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "stopped pipeline must leave the registry")

	assert.ErrorIs(t, r.Dispatch(btcBinance, []byte(unifiedFrame)), ErrNotFound)
	p.Ingest([]byte(unifiedFrame))
	assert.Zero(t, p.Pending(), "stopped pipeline must not queue")
	assert.Empty(t, r.Keys())

	// The key can be subscribed again.
	_, err = r.Subscribe(context.Background(), btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)
}

func TestRegistry_UpdateConfig(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Subscribe(context.Background(), btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)

	assert.ErrorIs(t, r.UpdateConfig(-5, nil), ErrInvalidConfig)

	band := decimal.RequireFromString("0.5")
	require.NoError(t, r.UpdateConfig(3, []decimal.Decimal{band}))
	assert.Equal(t, 3, r.Config().MaxLevels)

	require.NoError(t, r.Dispatch(btcBinance, []byte(unifiedFrame)))
	select {
	case res := <-r.Updates():
		require.Len(t, res.Depth, 1)
		assert.True(t, res.Depth[0].Band.Equal(band))
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}
}

func TestRegistry_ForwardsResyncRequests(t *testing.T) {
	r := newTestRegistry(t)
	rs := &recordingResyncer{}
	r.SetResyncer(rs)

	p, err := r.Subscribe(context.Background(), btcOKX, okx.NewAdapter(adapter.Futures))
	require.NoError(t, err)

	snap, _, _ := scenarioFrames()
	p.Ingest(snap)
	p.Ingest(okxFrame("update", 99, 98, nil, nil))

	deadline := time.After(2 * time.Second)
	for rs.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("gap did not reach the resyncer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Equal(t, btcOKX, rs.keys[0])
}

func TestRegistry_Close(t *testing.T) {
	r, err := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = r.Subscribe(context.Background(), btcBinance, unified.NewAdapter(adapter.BinanceFutures))
	require.NoError(t, err)

	r.Close()
	r.Close()

	_, ok := <-r.Updates()
	assert.False(t, ok)
	_, ok = <-r.Statuses()
	assert.False(t, ok)

	_, err = r.Subscribe(context.Background(), btcOKX, okx.NewAdapter(adapter.Futures))
	assert.ErrorIs(t, err, ErrClosed)
}
