// Package okx speaks the OKX v5 public "books" channel, which sends a
// snapshot on subscribe followed by seqId-chained updates.
package okx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

const (
	PublicURL = "wss://ws.okx.com:8443/ws/v5/public"
	channel   = "books"
)

// --- Raw wire types ---

type rawArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type rawEnvelope struct {
	Event  string    `json:"event"`
	Code   string    `json:"code"`
	Msg    string    `json:"msg"`
	Arg    *rawArg   `json:"arg"`
	Action string    `json:"action"`
	Data   []rawBook `json:"data"`
}

type rawBook struct {
	Asks      [][]adapter.Number `json:"asks"`
	Bids      [][]adapter.Number `json:"bids"`
	Ts        adapter.Number     `json:"ts"`
	SeqID     *adapter.Number    `json:"seqId"`
	PrevSeqID *adapter.Number    `json:"prevSeqId"`
	Checksum  int64              `json:"checksum"`
}

type command struct {
	Op   string   `json:"op"`
	Args []rawArg `json:"args"`
}

// Adapter parses "books" messages for one market.
type Adapter struct {
	exchange adapter.Exchange
}

func NewAdapter(m adapter.Market) *Adapter {
	if m == adapter.Futures {
		return &Adapter{exchange: adapter.OKXFutures}
	}
	return &Adapter{exchange: adapter.OKXSpot}
}

func (a *Adapter) Exchange() adapter.Exchange { return a.exchange }

func (a *Adapter) Policy() sequence.Policy { return sequence.PolicyPreviousID }

func (a *Adapter) Parse(raw []byte) adapter.Result {
	trimmed := bytes.TrimSpace(raw)
	if string(trimmed) == "pong" {
		return adapter.Control(adapter.ActionPong, "")
	}
	if string(trimmed) == "ping" {
		return adapter.Control(adapter.ActionPing, "")
	}

	var env rawEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return adapter.Malformed("okx: invalid JSON: %v", err)
	}

	switch env.Event {
	case "":
	case "subscribe":
		return adapter.Control(adapter.ActionSubscribeAck, argText(env.Arg))
	case "unsubscribe":
		return adapter.Control(adapter.ActionUnsubscribeAck, argText(env.Arg))
	case "error":
		return adapter.Control(adapter.ActionError, env.Code+" "+env.Msg)
	default:
		// login, notice, channel-conn-count
		return adapter.Ignored()
	}

	if env.Arg == nil {
		return adapter.Malformed("okx: message without arg")
	}
	if env.Arg.Channel != channel {
		return adapter.Ignored()
	}
	if len(env.Data) == 0 {
		return adapter.Malformed("okx: %s update without data", env.Arg.InstID)
	}

	b := env.Data[0]
	ev := adapter.DepthEvent{
		Symbol:       adapter.CanonicalSymbol(env.Arg.InstID),
		Bids:         adapter.TupleLevels(b.Bids),
		Asks:         adapter.TupleLevels(b.Asks),
		ExchangeTime: b.Ts.Millis(),
	}
	if b.SeqID != nil {
		last, ok := b.SeqID.ID()
		ev.Span = sequence.Span{Last: last, HasID: ok}
	}

	switch env.Action {
	case "snapshot":
		ev.Kind = adapter.Snapshot
	case "update":
		ev.Kind = adapter.Diff
		if b.PrevSeqID != nil {
			ev.Span.Prev = b.PrevSeqID.Int64()
		}
	default:
		return adapter.Malformed("okx: unknown action %q", env.Action)
	}
	return adapter.Depth(ev)
}

func argText(arg *rawArg) string {
	if arg == nil {
		return ""
	}
	return arg.Channel + ":" + arg.InstID
}

// Protocol is the connection-level integration for one OKX market.
type Protocol struct {
	endpoint string
	market   adapter.Market
	parser   *Adapter
}

// NewProtocol returns a Protocol for m. An empty endpoint selects the public
// URL.
func NewProtocol(m adapter.Market, endpoint string) *Protocol {
	if endpoint == "" {
		endpoint = PublicURL
	}
	return &Protocol{endpoint: endpoint, market: m, parser: NewAdapter(m)}
}

func (p *Protocol) Endpoint() string { return p.endpoint }

func (p *Protocol) Route(raw []byte) (adapter.Key, bool) {
	var env struct {
		Event string  `json:"event"`
		Arg   *rawArg `json:"arg"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Key{}, false
	}
	if env.Event != "" || env.Arg == nil || env.Arg.Channel != channel || env.Arg.InstID == "" {
		return adapter.Key{}, false
	}
	return adapter.Key{Exchange: p.parser.exchange, Symbol: adapter.CanonicalSymbol(env.Arg.InstID)}, true
}

func (p *Protocol) Parse(raw []byte) adapter.Result { return p.parser.Parse(raw) }

func (p *Protocol) SubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("subscribe", keys)
}

func (p *Protocol) UnsubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames("unsubscribe", keys)
}

func (p *Protocol) frames(op string, keys []adapter.Key) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]rawArg, 0, len(keys))
	for _, k := range keys {
		if k.Exchange != p.parser.exchange {
			return nil, fmt.Errorf("okx: %w: %s", adapter.ErrUnsupported, k.Exchange)
		}
		args = append(args, rawArg{Channel: channel, InstID: adapter.OKXSymbol(k.Symbol, p.market)})
	}
	b, err := json.Marshal(command{Op: op, Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (p *Protocol) Reply(res adapter.Result) []byte {
	if res.Kind == adapter.KindControl && res.Action == adapter.ActionPing {
		return []byte("pong")
	}
	return nil
}

// Ping is the text keep-alive OKX expects at least every 30 seconds.
func (p *Protocol) Ping() []byte { return []byte("ping") }

func (p *Protocol) Adapter(key adapter.Key) (adapter.Adapter, error) {
	if key.Exchange != p.parser.exchange {
		return nil, fmt.Errorf("okx: %w: %s", adapter.ErrUnsupported, key.Exchange)
	}
	return p.parser, nil
}
