package kucoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

const l2Frame = `{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"changes":{"asks":[["18906","0.00331","14103845"]],"bids":[["18900","0","14103844"]]},"sequenceEnd":14103845,"sequenceStart":14103844,"symbol":"BTC-USDT","time":1663747970273}}`

func TestParseL2Update(t *testing.T) {
	a := NewAdapter()
	res := a.Parse([]byte(l2Frame))
	if res.Kind != adapter.KindDepth {
		t.Fatalf("expected depth, got %v (%s)", res.Kind, res.Reason)
	}
	ev := res.Event
	if ev.Kind != adapter.Diff || ev.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Span != (sequence.Span{First: 14103844, Last: 14103845, HasID: true}) {
		t.Fatalf("span = %+v", ev.Span)
	}
	if ev.Asks[0].Price != "18906" || ev.Asks[0].Quantity != "0.00331" {
		t.Fatalf("asks = %+v", ev.Asks)
	}
	if a.Policy() != sequence.PolicyRange {
		t.Fatalf("policy = %v", a.Policy())
	}
}

func TestParseRESTSnapshot(t *testing.T) {
	a := NewAdapter()
	res := a.Parse([]byte(`{"code":"200000","data":{"time":1550653727731,"sequence":"3262786978","bids":[["6500.12","0.45054140"]],"asks":[["6500.16","0.57753524"]]}}`))
	if res.Kind != adapter.KindDepth || res.Event.Kind != adapter.Snapshot {
		t.Fatalf("expected snapshot, got %+v", res)
	}
	if res.Event.Span != (sequence.Span{Last: 3262786978, HasID: true}) {
		t.Fatalf("span = %+v", res.Event.Span)
	}

	res = a.Parse([]byte(`{"code":"400100","msg":"symbol not exists"}`))
	if res.Kind != adapter.KindControl || res.Action != adapter.ActionError {
		t.Fatalf("expected error control, got %+v", res)
	}
}

func TestParseControl(t *testing.T) {
	a := NewAdapter()
	cases := []struct {
		raw    string
		kind   adapter.ResultKind
		action adapter.Action
	}{
		{`{"id":"hQvf8jkno","type":"welcome"}`, adapter.KindControl, adapter.ActionWelcome},
		{`{"id":"1545910590801","type":"pong"}`, adapter.KindControl, adapter.ActionPong},
		{`{"id":"1545910840805","type":"ack"}`, adapter.KindControl, adapter.ActionSubscribeAck},
		{`{"id":"1","type":"error","code":404,"data":"topic not found"}`, adapter.KindControl, adapter.ActionError},
		{`{"type":"message","topic":"/market/ticker:BTC-USDT","data":{}}`, adapter.KindIgnored, adapter.ActionNone},
		{`{"type":"message","topic":"/market/level2:BTC-USDT","data":{"changes":{}}}`, adapter.KindMalformed, adapter.ActionNone},
		{`{"foo":1}`, adapter.KindMalformed, adapter.ActionNone},
	}
	for _, tc := range cases {
		res := a.Parse([]byte(tc.raw))
		if res.Kind != tc.kind || res.Action != tc.action {
			t.Fatalf("Parse(%s) = %v/%v, want %v/%v", tc.raw, res.Kind, res.Action, tc.kind, tc.action)
		}
	}
}

func TestProtocolFrames(t *testing.T) {
	p := NewProtocol("wss://ws.example/", "")

	key, ok := p.Route([]byte(l2Frame))
	if !ok || key != (adapter.Key{Exchange: adapter.KuCoinSpot, Symbol: "BTCUSDT"}) {
		t.Fatalf("Route = %v, %v", key, ok)
	}
	if _, ok := p.Route([]byte(`{"id":"1","type":"welcome"}`)); ok {
		t.Fatal("welcome must not route")
	}

	frames, err := p.SubscribeFrames([]adapter.Key{
		{Exchange: adapter.KuCoinSpot, Symbol: "BTCUSDT"},
		{Exchange: adapter.KuCoinSpot, Symbol: "ETHUSDT"},
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	var sub struct {
		Type  string `json:"type"`
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(frames[0], &sub); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sub.Type != "subscribe" || sub.Topic != "/market/level2:BTC-USDT,ETH-USDT" {
		t.Fatalf("unexpected subscribe %+v", sub)
	}

	var ping struct {
		Type string `json:"type"`
	}
	json.Unmarshal(p.Ping(), &ping)
	if ping.Type != "ping" {
		t.Fatalf("ping = %s", p.Ping())
	}

	u := p.SnapshotURL(adapter.Key{Exchange: adapter.KuCoinSpot, Symbol: "BTCUSDT"}, 100)
	if u != APIBaseURL+"/api/v1/market/orderbook/level2_100?symbol=BTC-USDT" {
		t.Fatalf("snapshot url = %q", u)
	}

	got, err := p.ResolveEndpoint(context.Background())
	if err != nil || got != "wss://ws.example/" {
		t.Fatalf("configured endpoint should win: %q %v", got, err)
	}
}

func TestResolveEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bullet-public" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"200000","data":{"token":"tok123","instanceServers":[{"endpoint":"wss://ws-api-spot.kucoin.com/","encrypt":true,"protocol":"websocket","pingInterval":18000,"pingTimeout":10000}]}}`))
	}))
	defer srv.Close()

	p := NewProtocol("", srv.URL)
	got, err := p.ResolveEndpoint(context.Background())
	if err != nil {
		t.Fatalf("ResolveEndpoint: %v", err)
	}
	if !strings.HasPrefix(got, "wss://ws-api-spot.kucoin.com/?") || !strings.Contains(got, "token=tok123") {
		t.Fatalf("endpoint = %q", got)
	}
}
