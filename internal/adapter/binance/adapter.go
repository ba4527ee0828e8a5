// Package binance speaks Binance's spot and USDT-margined futures depth
// streams. Snapshots come from REST; the stream carries diffs only.
package binance

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

const (
	SpotStreamURL    = "wss://stream.binance.com:9443/stream"
	FuturesStreamURL = "wss://fstream.binance.com/stream"

	spotRESTURL    = "https://api.binance.com/api/v3/depth"
	futuresRESTURL = "https://fapi.binance.com/fapi/v1/depth"

	streamSuffix = "@depth@100ms"
)

// --- Raw wire types ---

type rawEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	Ping   json.RawMessage `json:"ping"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type rawDepth struct {
	Event        string             `json:"e"`
	EventTime    adapter.Number     `json:"E"`
	Symbol       string             `json:"s"`
	FirstID      adapter.Number     `json:"U"`
	LastID       adapter.Number     `json:"u"`
	PrevID       *adapter.Number    `json:"pu"`
	Bids         [][]adapter.Number `json:"b"`
	Asks         [][]adapter.Number `json:"a"`
	LastUpdateID *adapter.Number    `json:"lastUpdateId"`
	SnapBids     [][]adapter.Number `json:"bids"`
	SnapAsks     [][]adapter.Number `json:"asks"`
}

type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Adapter parses one Binance market's depth messages, including REST
// snapshot bodies, which share the {lastUpdateId, bids, asks} shape.
type Adapter struct {
	exchange adapter.Exchange
	market   adapter.Market
}

// NewAdapter returns the adapter for spot or futures.
func NewAdapter(m adapter.Market) *Adapter {
	ex := adapter.BinanceSpot
	if m == adapter.Futures {
		ex = adapter.BinanceFutures
	}
	return &Adapter{exchange: ex, market: m}
}

func (a *Adapter) Exchange() adapter.Exchange { return a.exchange }

// Policy: spot diffs chain U == previous u + 1, futures diffs chain
// pu == previous u.
func (a *Adapter) Policy() sequence.Policy {
	if a.market == adapter.Futures {
		return sequence.PolicyPreviousID
	}
	return sequence.PolicyRange
}

// SnapshotsOverREST reports that snapshots come from the REST depth
// endpoint.
func (a *Adapter) SnapshotsOverREST() bool { return true }

func (a *Adapter) Parse(raw []byte) adapter.Result {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Malformed("binance: invalid JSON: %v", err)
	}

	switch {
	case len(env.Ping) > 0:
		return adapter.Control(adapter.ActionPing, string(env.Ping))
	case env.Error != nil:
		return adapter.Control(adapter.ActionError, fmt.Sprintf("%d %s", env.Error.Code, env.Error.Msg))
	case len(env.ID) > 0 && len(env.Data) == 0:
		return adapter.Control(adapter.ActionSubscribeAck, string(env.ID))
	}

	body := raw
	streamSymbol := ""
	if len(env.Data) > 0 {
		body = env.Data
		streamSymbol = symbolFromStream(env.Stream)
	}

	var d rawDepth
	if err := json.Unmarshal(body, &d); err != nil {
		return adapter.Malformed("binance: %v", err)
	}

	symbol := adapter.CanonicalSymbol(d.Symbol)
	if symbol == "" {
		symbol = streamSymbol
	}

	switch {
	case d.Event == "depthUpdate":
		if d.LastID == "" {
			return adapter.Malformed("binance: depthUpdate without u")
		}
		last, ok := d.LastID.ID()
		span := sequence.Span{
			First: d.FirstID.Int64(),
			Last:  last,
			HasID: ok,
		}
		if d.PrevID != nil {
			span.Prev = d.PrevID.Int64()
		}
		return adapter.Depth(adapter.DepthEvent{
			Kind:         adapter.Diff,
			Symbol:       symbol,
			Bids:         adapter.TupleLevels(d.Bids),
			Asks:         adapter.TupleLevels(d.Asks),
			Span:         span,
			ExchangeTime: d.EventTime.Millis(),
		})
	case d.Event != "":
		return adapter.Ignored()
	case d.LastUpdateID != nil:
		last, ok := d.LastUpdateID.ID()
		return adapter.Depth(adapter.DepthEvent{
			Kind:         adapter.Snapshot,
			Symbol:       symbol,
			Bids:         adapter.TupleLevels(d.SnapBids),
			Asks:         adapter.TupleLevels(d.SnapAsks),
			Span:         sequence.Span{Last: last, HasID: ok},
			ExchangeTime: d.EventTime.Millis(),
		})
	}
	return adapter.Malformed("binance: unrecognised message")
}

// symbolFromStream maps "btcusdt@depth@100ms" to BTCUSDT.
func symbolFromStream(stream string) string {
	name, _, _ := strings.Cut(stream, "@")
	return adapter.CanonicalSymbol(name)
}

// Protocol is the connection-level integration for one Binance market.
type Protocol struct {
	market   adapter.Market
	endpoint string
	restURL  string
	cmdID    atomic.Int64
	parser   *Adapter
}

// NewProtocol returns a Protocol for m. An empty endpoint selects the public
// combined-stream URL.
func NewProtocol(m adapter.Market, endpoint string) *Protocol {
	p := &Protocol{market: m, endpoint: endpoint, restURL: spotRESTURL, parser: NewAdapter(m)}
	if m == adapter.Futures {
		p.restURL = futuresRESTURL
	}
	if p.endpoint == "" {
		p.endpoint = SpotStreamURL
		if m == adapter.Futures {
			p.endpoint = FuturesStreamURL
		}
	}
	return p
}

// WithRESTBase overrides the snapshot endpoint.
func (p *Protocol) WithRESTBase(u string) *Protocol {
	p.restURL = u
	return p
}

func (p *Protocol) Endpoint() string { return p.endpoint }

func (p *Protocol) Route(raw []byte) (adapter.Key, bool) {
	var env struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string `json:"s"`
		} `json:"data"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Key{}, false
	}
	sym := env.Symbol
	if sym == "" {
		sym = env.Data.Symbol
	}
	if sym == "" && strings.Contains(env.Stream, "@depth") {
		sym = env.Stream
	}
	if sym == "" {
		return adapter.Key{}, false
	}
	return adapter.Key{Exchange: p.parser.exchange, Symbol: symbolFromStream(sym)}, true
}

func (p *Protocol) Parse(raw []byte) adapter.Result { return p.parser.Parse(raw) }

func (p *Protocol) SubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("SUBSCRIBE", keys)
}

func (p *Protocol) UnsubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("UNSUBSCRIBE", keys)
}

func (p *Protocol) frames(method string, keys []adapter.Key) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Exchange != p.parser.exchange {
			return nil, fmt.Errorf("binance: %w: %s", adapter.ErrUnsupported, k.Exchange)
		}
		params = append(params, adapter.BinanceSymbol(k.Symbol)+streamSuffix)
	}
	b, err := json.Marshal(command{Method: method, Params: params, ID: p.cmdID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// Reply answers {"ping":n} with {"pong":n}. Transport-level pings are
// answered by the websocket library.
func (p *Protocol) Reply(res adapter.Result) []byte {
	if res.Kind != adapter.KindControl || res.Action != adapter.ActionPing {
		return nil
	}
	payload := res.Payload
	if payload == "" {
		payload = "0"
	}
	return []byte(`{"pong":` + payload + `}`)
}

func (p *Protocol) Ping() []byte { return nil }

func (p *Protocol) Adapter(key adapter.Key) (adapter.Adapter, error) {
	if key.Exchange != p.parser.exchange {
		return nil, fmt.Errorf("binance: %w: %s", adapter.ErrUnsupported, key.Exchange)
	}
	return p.parser, nil
}

// SnapshotURL returns the REST depth endpoint for key.
func (p *Protocol) SnapshotURL(key adapter.Key, limit int) string {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(adapter.BinanceSymbol(key.Symbol)))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return p.restURL + "?" + q.Encode()
}
