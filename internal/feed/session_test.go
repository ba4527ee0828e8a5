package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/adapter/binance"
	"github.com/caesar-terminal/depthsync/internal/adapter/unified"
)

// upstream is a scripted websocket server. It records every frame the
// client sends and forwards frames pushed by the test.
type upstream struct {
	srv  *httptest.Server
	push chan []byte

	mu       sync.Mutex
	received []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{push: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		go func() {
			for msg := range u.push {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			u.mu.Lock()
			u.received = append(u.received, string(msg))
			u.mu.Unlock()
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *upstream) frames() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.received...)
}

func (u *upstream) waitFrame(t *testing.T, contains string) {
	t.Helper()
	waitFor(t, "frame "+contains, func() bool {
		for _, f := range u.frames() {
			if strings.Contains(f, contains) {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type dispatched struct {
	key adapter.Key
	raw string
}

// recordingSink is a Dispatcher that keeps every frame.
type recordingSink struct {
	mu  sync.Mutex
	got []dispatched
}

func (r *recordingSink) Dispatch(key adapter.Key, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, dispatched{key: key, raw: string(raw)})
	return nil
}

func (r *recordingSink) all() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.got...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 2 * time.Second
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	return cfg
}

var btcBinanceUM = adapter.Key{Exchange: adapter.BinanceFutures, Symbol: "BTCUSDT"}

func TestSession_SubscribesAndRoutes(t *testing.T) {
	up := newUpstream(t)
	sink := &recordingSink{}
	s := NewSession("unified", unified.NewProtocol(up.url()), sink, testConfig(), nil)

	if err := s.Subscribe(btcBinanceUM); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	up.waitFrame(t, `"op":"subscribe"`)
	up.waitFrame(t, "depth_bnUM_BTC-SWAP-USDT")

	// Two frames glued together in one message.
	up.push <- []byte(`{"topic":"depth_bnUM_BTCUSDT","payload":{"data":{"bids":[{"px":"1","qty":"1"}],"asks":[]}}}` +
		`{"topic":"depth_bnUM_ETHUSDT","payload":{"data":{"bids":[{"px":"2","qty":"1"}],"asks":[]}}}`)

	waitFor(t, "dispatch", func() bool { return len(sink.all()) == 2 })
	got := sink.all()
	if got[0].key != btcBinanceUM {
		t.Fatalf("first frame routed to %s", got[0].key)
	}
	if got[1].key.Symbol != "ETHUSDT" {
		t.Fatalf("second frame routed to %s", got[1].key)
	}
}

func TestSession_AnswersPing(t *testing.T) {
	up := newUpstream(t)
	s := NewSession("unified", unified.NewProtocol(up.url()), &recordingSink{}, testConfig(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	up.push <- []byte(`{"op":"ping"}`)
	up.waitFrame(t, `{"op":"pong"}`)
}

func TestSession_ResyncByResubscribe(t *testing.T) {
	up := newUpstream(t)
	s := NewSession("unified", unified.NewProtocol(up.url()), &recordingSink{}, testConfig(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	if err := s.Subscribe(btcBinanceUM); err != nil {
		t.Fatal(err)
	}
	up.waitFrame(t, `"op":"subscribe"`)

	s.RequestResync(btcBinanceUM)
	up.waitFrame(t, `"op":"unsubscribe"`)

	waitFor(t, "resubscribe", func() bool {
		subs := 0
		for _, f := range up.frames() {
			if strings.Contains(f, `"op":"subscribe"`) {
				subs++
			}
		}
		return subs == 2
	})
}

func TestSession_UnsubscribeForgetsKey(t *testing.T) {
	up := newUpstream(t)
	s := NewSession("unified", unified.NewProtocol(up.url()), &recordingSink{}, testConfig(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	eth := adapter.Key{Exchange: adapter.OKXFutures, Symbol: "ETHUSDT"}
	if err := s.Subscribe(btcBinanceUM, eth); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(btcBinanceUM); err != nil {
		t.Fatal(err)
	}
	up.waitFrame(t, `"op":"unsubscribe"`)

	keys := s.Keys()
	if len(keys) != 1 || keys[0] != eth {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestSession_RESTSnapshot(t *testing.T) {
	var (
		mu    sync.Mutex
		query string
	)
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		query = r.URL.RawQuery
		mu.Unlock()
		w.Write([]byte(`{"lastUpdateId":42,"bids":[["100","1"]],"asks":[["101","1"]]}`))
	}))
	defer rest.Close()

	up := newUpstream(t)
	sink := &recordingSink{}
	proto := binance.NewProtocol(adapter.Futures, up.url()).WithRESTBase(rest.URL)
	s := NewSession("binance-um", proto, sink, testConfig(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if err := s.Subscribe(btcBinanceUM); err != nil {
		t.Fatal(err)
	}
	up.waitFrame(t, "btcusdt@depth@100ms")

	waitFor(t, "snapshot dispatch", func() bool { return len(sink.all()) == 1 })
	got := sink.all()[0]
	if got.key != btcBinanceUM || !strings.Contains(got.raw, `"lastUpdateId":42`) {
		t.Fatalf("unexpected dispatch %+v", got)
	}
	mu.Lock()
	q := query
	mu.Unlock()
	if q != "limit=1000&symbol=BTCUSDT" {
		t.Fatalf("query = %s", q)
	}

	// A gap asks REST again rather than resubscribing.
	s.RequestResync(btcBinanceUM)
	waitFor(t, "second snapshot", func() bool { return len(sink.all()) == 2 })
}

func TestSession_RESTFailureIsNotDispatched(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer rest.Close()

	up := newUpstream(t)
	sink := &recordingSink{}
	proto := binance.NewProtocol(adapter.Futures, up.url()).WithRESTBase(rest.URL)
	s := NewSession("binance-um", proto, sink, testConfig(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if err := s.Subscribe(btcBinanceUM); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(sink.all()); n != 0 {
		t.Fatalf("dispatched %d failed snapshots", n)
	}
}

func TestSession_StartFails(t *testing.T) {
	s := NewSession("dead", unified.NewProtocol("ws://127.0.0.1:1/none"), &recordingSink{}, testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Start(ctx)
	s.Close()
	if err == nil {
		t.Fatal("expected connect error")
	}
}
