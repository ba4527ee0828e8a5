// Package unified speaks the aggregated depth feed that republishes many
// venues' books over a single connection. Every depth frame is a full
// top-of-book snapshot.
package unified

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

// topicPattern matches depth_{exchange}_{symbol}. Exchange ids never contain
// an underscore; symbols may.
var topicPattern = regexp.MustCompile(`^depth_([^_]+)_(.+)$`)

// --- Raw wire types ---

type rawEnvelope struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Code    *int            `json:"code"`
	Msg     string          `json:"msg"`
	Payload *rawPayload     `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

type rawPayload struct {
	Info struct {
		Exchange string `json:"exchange"`
	} `json:"info"`
	Data json.RawMessage `json:"data"`
}

type rawBook struct {
	Bids   *[]adapter.ObjectLevel `json:"bids"`
	Asks   *[]adapter.ObjectLevel `json:"asks"`
	TsExch adapter.Number         `json:"tsExch"`
	TsRecv adapter.Number         `json:"tsRecv"`
}

type command struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// Topic returns the feed topic for key.
func Topic(key adapter.Key) string {
	return "depth_" + string(key.Exchange) + "_" + adapter.ToobitSymbol(key.Symbol, key.Exchange.Market())
}

// ParseTopic reverses Topic.
func ParseTopic(topic string) (adapter.Key, bool) {
	m := topicPattern.FindStringSubmatch(topic)
	if m == nil {
		return adapter.Key{}, false
	}
	return adapter.Key{
		Exchange: adapter.Exchange(m[1]),
		Symbol:   adapter.CanonicalSymbol(m[2]),
	}, true
}

// Adapter parses depth frames for one exchange id. The zero exchange accepts
// every id, which is what the connection-level Protocol uses.
type Adapter struct {
	exchange adapter.Exchange
}

// NewAdapter returns an adapter that keeps only frames for exchange.
func NewAdapter(exchange adapter.Exchange) *Adapter {
	return &Adapter{exchange: exchange}
}

func (a *Adapter) Exchange() adapter.Exchange { return a.exchange }

// Policy is PolicyNone: frames carry no sequence ids and each one replaces
// the book.
func (a *Adapter) Policy() sequence.Policy { return sequence.PolicyNone }

// Parse classifies one frame.
func (a *Adapter) Parse(raw []byte) adapter.Result {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Malformed("unified: invalid JSON: %v", err)
	}

	if env.Op != "" {
		return parseOp(env)
	}
	if env.Topic == "" {
		return adapter.Malformed("unified: frame has neither op nor topic")
	}

	key, ok := ParseTopic(env.Topic)
	if !ok {
		// Trades, tickers and other channels share the connection.
		return adapter.Ignored()
	}

	data := env.Data
	if env.Payload != nil {
		if env.Payload.Info.Exchange != "" {
			key.Exchange = adapter.Exchange(env.Payload.Info.Exchange)
		}
		data = env.Payload.Data
	}
	if a.exchange != "" && key.Exchange != a.exchange {
		return adapter.Ignored()
	}
	if len(data) == 0 || string(data) == "null" {
		return adapter.Malformed("unified: %s has no data", env.Topic)
	}

	var book rawBook
	if err := json.Unmarshal(data, &book); err != nil {
		return adapter.Malformed("unified: %s: %v", env.Topic, err)
	}
	if book.Bids == nil && book.Asks == nil {
		return adapter.Malformed("unified: %s has no bids or asks", env.Topic)
	}

	ev := adapter.DepthEvent{
		Kind:         adapter.Snapshot,
		Symbol:       key.Symbol,
		ExchangeTime: book.TsExch.Millis(),
		ReceiveTime:  book.TsRecv.Millis(),
	}
	if book.Bids != nil {
		ev.Bids = adapter.ObjectLevels(*book.Bids)
	}
	if book.Asks != nil {
		ev.Asks = adapter.ObjectLevels(*book.Asks)
	}
	return adapter.Depth(ev)
}

func parseOp(env rawEnvelope) adapter.Result {
	failed := env.Code != nil && *env.Code != 0
	switch env.Op {
	case "ping":
		return adapter.Control(adapter.ActionPing, "")
	case "pong":
		return adapter.Control(adapter.ActionPong, "")
	case "subscribe", "unsubscribe":
		if failed {
			return adapter.Control(adapter.ActionError, errorText(env))
		}
		if env.Op == "subscribe" {
			return adapter.Control(adapter.ActionSubscribeAck, "")
		}
		return adapter.Control(adapter.ActionUnsubscribeAck, "")
	case "error":
		return adapter.Control(adapter.ActionError, errorText(env))
	default:
		return adapter.Ignored()
	}
}

func errorText(env rawEnvelope) string {
	if env.Msg != "" {
		return env.Msg
	}
	if env.Code != nil {
		return "code " + strconv.Itoa(*env.Code)
	}
	return env.Op
}

// Protocol is the connection-level integration for the aggregated feed.
type Protocol struct {
	endpoint string
	parser   Adapter
}

// NewProtocol returns a Protocol dialing endpoint.
func NewProtocol(endpoint string) *Protocol {
	return &Protocol{endpoint: endpoint}
}

func (p *Protocol) Endpoint() string { return p.endpoint }

// Route reads only the topic; the payload is decoded later by the book's
// pipeline.
func (p *Protocol) Route(raw []byte) (adapter.Key, bool) {
	var env struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Topic == "" {
		return adapter.Key{}, false
	}
	return ParseTopic(env.Topic)
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
	topics := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Exchange == "" || k.Symbol == "" {
			return nil, fmt.Errorf("unified: incomplete key %q", k)
		}
		topics = append(topics, Topic(k))
	}
	b, err := json.Marshal(command{Op: op, Args: topics})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// Reply answers server pings.
func (p *Protocol) Reply(res adapter.Result) []byte {
	if res.Kind == adapter.KindControl && res.Action == adapter.ActionPing {
		return []byte(`{"op":"pong"}`)
	}
	return nil
}

func (p *Protocol) Ping() []byte { return []byte(`{"op":"ping"}`) }

// Adapter serves every exchange id the feed carries.
func (p *Protocol) Adapter(key adapter.Key) (adapter.Adapter, error) {
	if key.Exchange == "" {
		return nil, fmt.Errorf("unified: %w: empty exchange", adapter.ErrUnsupported)
	}
	return NewAdapter(key.Exchange), nil
}
