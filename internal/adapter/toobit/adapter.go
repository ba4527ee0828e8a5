// Package toobit speaks the Toobit quote stream. The diffDepth topic opens
// with a full book (f=true) and continues with timestamped diffs; the depth
// topic sends a full top-of-book on every frame.
package toobit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

const (
	QuoteURL = "wss://stream.toobit.com/quote/ws/v1"

	topicDiffDepth = "diffDepth"
	topicDepth     = "depth"
)

// --- Raw wire types ---

type rawEnvelope struct {
	Topic  string          `json:"topic"`
	Symbol string          `json:"symbol"`
	Event  string          `json:"event"`
	First  bool            `json:"f"`
	Data   []rawBook       `json:"data"`
	Ping   json.RawMessage `json:"ping"`
	Pong   json.RawMessage `json:"pong"`
	Code   adapter.Number  `json:"code"`
	Msg    string          `json:"msg"`
}

type rawBook struct {
	Time adapter.Number     `json:"t"`
	Bids [][]adapter.Number `json:"b"`
	Asks [][]adapter.Number `json:"a"`
}

type command struct {
	Symbol string `json:"symbol"`
	Topic  string `json:"topic"`
	Event  string `json:"event"`
	Params struct {
		Binary bool `json:"binary"`
	} `json:"params"`
}

// Adapter parses Toobit depth messages for one market.
type Adapter struct {
	exchange adapter.Exchange
}

func NewAdapter(m adapter.Market) *Adapter {
	if m == adapter.Futures {
		return &Adapter{exchange: adapter.ToobitFutures}
	}
	return &Adapter{exchange: adapter.ToobitSpot}
}

func (a *Adapter) Exchange() adapter.Exchange { return a.exchange }

// Policy: diffs carry only a millisecond timestamp, and several diffs can
// share one, so equal ids are accepted.
func (a *Adapter) Policy() sequence.Policy { return sequence.PolicyNonDecreasing }

func (a *Adapter) Parse(raw []byte) adapter.Result {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Malformed("toobit: invalid JSON: %v", err)
	}

	switch {
	case len(env.Ping) > 0:
		return adapter.Control(adapter.ActionPing, string(env.Ping))
	case len(env.Pong) > 0:
		return adapter.Control(adapter.ActionPong, string(env.Pong))
	case env.Code != "" && env.Code != "0" && len(env.Data) == 0:
		return adapter.Control(adapter.ActionError, env.Code.String()+" "+env.Msg)
	}

	if env.Topic == "" {
		return adapter.Malformed("toobit: message without topic")
	}
	if env.Topic != topicDiffDepth && env.Topic != topicDepth {
		return adapter.Ignored()
	}
	if len(env.Data) == 0 {
		if env.Event == "sub" {
			return adapter.Control(adapter.ActionSubscribeAck, env.Topic+":"+env.Symbol)
		}
		if env.Event == "cancel" {
			return adapter.Control(adapter.ActionUnsubscribeAck, env.Topic+":"+env.Symbol)
		}
		return adapter.Malformed("toobit: %s without data", env.Topic)
	}

	b := env.Data[0]
	ev := adapter.DepthEvent{
		Kind:         adapter.Diff,
		Symbol:       adapter.CanonicalSymbol(env.Symbol),
		Bids:         adapter.TupleLevels(b.Bids),
		Asks:         adapter.TupleLevels(b.Asks),
		ExchangeTime: b.Time.Millis(),
	}
	if ts := b.Time.Int64(); ts > 0 {
		ev.Span = sequence.Span{Last: ts, HasID: true}
	}
	if env.First || env.Topic == topicDepth {
		ev.Kind = adapter.Snapshot
	}
	return adapter.Depth(ev)
}

// Protocol is the connection-level integration for one Toobit market.
type Protocol struct {
	endpoint string
	market   adapter.Market
	parser   *Adapter
	now      func() time.Time
}

// NewProtocol returns a Protocol for m. An empty endpoint selects the public
// quote URL.
func NewProtocol(m adapter.Market, endpoint string) *Protocol {
	if endpoint == "" {
		endpoint = QuoteURL
	}
	return &Protocol{endpoint: endpoint, market: m, parser: NewAdapter(m), now: time.Now}
}

func (p *Protocol) Endpoint() string { return p.endpoint }

func (p *Protocol) Route(raw []byte) (adapter.Key, bool) {
	var env struct {
		Topic  string            `json:"topic"`
		Symbol string            `json:"symbol"`
		Data   []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Key{}, false
	}
	if (env.Topic != topicDiffDepth && env.Topic != topicDepth) || env.Symbol == "" || len(env.Data) == 0 {
		return adapter.Key{}, false
	}
	return adapter.Key{Exchange: p.parser.exchange, Symbol: adapter.CanonicalSymbol(env.Symbol)}, true
}

func (p *Protocol) Parse(raw []byte) adapter.Result { return p.parser.Parse(raw) }

func (p *Protocol) SubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("sub", keys)
}

func (p *Protocol) UnsubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("cancel", keys)
}

// frames sends one command per symbol.
func (p *Protocol) frames(event string, keys []adapter.Key) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k.Exchange != p.parser.exchange {
			return nil, fmt.Errorf("toobit: %w: %s", adapter.ErrUnsupported, k.Exchange)
		}
		cmd := command{
			Symbol: adapter.ToobitSymbol(k.Symbol, p.market),
			Topic:  topicDiffDepth,
			Event:  event,
		}
		b, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

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

// Ping sends {"ping": <unix ms>}.
func (p *Protocol) Ping() []byte {
	return []byte(`{"ping":` + strconv.FormatInt(p.now().UnixMilli(), 10) + `}`)
}

func (p *Protocol) Adapter(key adapter.Key) (adapter.Adapter, error) {
	if key.Exchange != p.parser.exchange {
		return nil, fmt.Errorf("toobit: %w: %s", adapter.ErrUnsupported, key.Exchange)
	}
	return p.parser, nil
}
