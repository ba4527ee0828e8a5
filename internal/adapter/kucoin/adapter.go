// Package kucoin speaks the KuCoin spot level2 market stream. The stream
// carries diffs only; snapshots come from the public REST order book.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

const (
	APIBaseURL  = "https://api.kucoin.com"
	topicPrefix = "/market/level2:"
	snapshotAPI = "/api/v1/market/orderbook/level2_100"
	restOK      = "200000"

	// KuCoin accepts up to 100 symbols per subscribe frame.
	maxTopicsPerFrame = 100
)

// --- Raw wire types ---

type probe struct {
	Type string         `json:"type"`
	Code adapter.Number `json:"code"`
}

type rawREST struct {
	Code adapter.Number  `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type rawSnapshot struct {
	Sequence adapter.Number     `json:"sequence"`
	Time     adapter.Number     `json:"time"`
	Bids     [][]adapter.Number `json:"bids"`
	Asks     [][]adapter.Number `json:"asks"`
}

type rawUpdate struct {
	Changes struct {
		Asks [][]adapter.Number `json:"asks"`
		Bids [][]adapter.Number `json:"bids"`
	} `json:"changes"`
	SequenceStart adapter.Number `json:"sequenceStart"`
	SequenceEnd   adapter.Number `json:"sequenceEnd"`
	Symbol        string         `json:"symbol"`
	Time          adapter.Number `json:"time"`
}

// Adapter parses level2 stream messages and REST snapshot bodies.
type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }

func (a *Adapter) Exchange() adapter.Exchange { return adapter.KuCoinSpot }

// Policy: sequenceStart must follow the previous sequenceEnd.
func (a *Adapter) Policy() sequence.Policy { return sequence.PolicyRange }

// SnapshotsOverREST reports that snapshots come from the REST depth
// endpoint.
func (a *Adapter) SnapshotsOverREST() bool { return true }

func (a *Adapter) Parse(raw []byte) adapter.Result {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return adapter.Malformed("kucoin: invalid JSON: %v", err)
	}
	if p.Type == "" {
		if p.Code != "" {
			return parseREST(raw)
		}
		return adapter.Malformed("kucoin: message without type")
	}

	msg := &kucoin.WebSocketDownstreamMessage{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return adapter.Malformed("kucoin: %v", err)
	}
	if msg.WebSocketMessage == nil {
		return adapter.Malformed("kucoin: message without envelope")
	}

	switch msg.Type {
	case kucoin.WelcomeMessage:
		return adapter.Control(adapter.ActionWelcome, msg.Id)
	case kucoin.PongMessage:
		return adapter.Control(adapter.ActionPong, msg.Id)
	case kucoin.PingMessage:
		return adapter.Control(adapter.ActionPing, msg.Id)
	case kucoin.AckMessage:
		return adapter.Control(adapter.ActionSubscribeAck, msg.Id)
	case kucoin.ErrorMessage:
		return adapter.Control(adapter.ActionError, strings.Trim(string(msg.RawData), `"`))
	case kucoin.Message:
	default:
		return adapter.Ignored()
	}

	if !strings.HasPrefix(msg.Topic, topicPrefix) {
		return adapter.Ignored()
	}
	if len(msg.RawData) == 0 {
		return adapter.Malformed("kucoin: %s without data", msg.Topic)
	}

	var u rawUpdate
	if err := json.Unmarshal(msg.RawData, &u); err != nil {
		return adapter.Malformed("kucoin: %s: %v", msg.Topic, err)
	}
	if u.SequenceEnd == "" {
		return adapter.Malformed("kucoin: %s without sequenceEnd", msg.Topic)
	}

	symbol := u.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, topicPrefix)
	}
	last, ok := u.SequenceEnd.ID()
	return adapter.Depth(adapter.DepthEvent{
		Kind:   adapter.Diff,
		Symbol: adapter.CanonicalSymbol(symbol),
		Bids:   adapter.TupleLevels(u.Changes.Bids),
		Asks:   adapter.TupleLevels(u.Changes.Asks),
		Span: sequence.Span{
			First: u.SequenceStart.Int64(),
			Last:  last,
			HasID: ok,
		},
		ExchangeTime: u.Time.Millis(),
	})
}

func parseREST(raw []byte) adapter.Result {
	var r rawREST
	if err := json.Unmarshal(raw, &r); err != nil {
		return adapter.Malformed("kucoin: %v", err)
	}
	if r.Code.String() != restOK {
		return adapter.Control(adapter.ActionError, r.Code.String()+" "+r.Msg)
	}
	var s rawSnapshot
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return adapter.Malformed("kucoin: snapshot: %v", err)
	}
	ev := adapter.DepthEvent{
		Kind:         adapter.Snapshot,
		Bids:         adapter.TupleLevels(s.Bids),
		Asks:         adapter.TupleLevels(s.Asks),
		ExchangeTime: s.Time.Millis(),
	}
	if s.Sequence != "" {
		last, ok := s.Sequence.ID()
		ev.Span = sequence.Span{Last: last, HasID: ok}
	}
	return adapter.Depth(ev)
}

// Protocol is the connection-level integration for KuCoin spot.
type Protocol struct {
	endpoint  string
	apiBase   string
	parser    *Adapter
	connectID atomic.Int64
}

// NewProtocol returns a Protocol. When endpoint is empty, ResolveEndpoint
// obtains one from the public token API at apiBase.
func NewProtocol(endpoint, apiBase string) *Protocol {
	if apiBase == "" {
		apiBase = APIBaseURL
	}
	return &Protocol{endpoint: endpoint, apiBase: strings.TrimRight(apiBase, "/"), parser: NewAdapter()}
}

func (p *Protocol) Endpoint() string { return p.endpoint }

// ResolveEndpoint exchanges the public bullet token for a connect URL.
func (p *Protocol) ResolveEndpoint(ctx context.Context) (string, error) {
	if p.endpoint != "" {
		return p.endpoint, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	svc := kucoin.NewApiService(kucoin.ApiBaseURIOption(p.apiBase))
	resp, err := svc.WebSocketPublicToken()
	if err != nil {
		return "", fmt.Errorf("kucoin: public token: %w", err)
	}
	if resp.Code != restOK {
		return "", fmt.Errorf("kucoin: public token: %s %s", resp.Code, resp.Message)
	}

	tm := &kucoin.WebSocketTokenModel{}
	if err := json.Unmarshal(resp.RawData, tm); err != nil {
		return "", fmt.Errorf("kucoin: decode token: %w", err)
	}
	if tm.Token == "" || len(tm.Servers) == 0 {
		return "", fmt.Errorf("kucoin: token response has no servers")
	}

	q := url.Values{}
	q.Set("token", tm.Token)
	q.Set("connectId", strconv.FormatInt(time.Now().UnixNano()+p.connectID.Add(1), 10))
	return tm.Servers[0].Endpoint + "?" + q.Encode(), nil
}

func (p *Protocol) Route(raw []byte) (adapter.Key, bool) {
	var env struct {
		Type  string `json:"type"`
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Key{}, false
	}
	if env.Type != kucoin.Message || !strings.HasPrefix(env.Topic, topicPrefix) {
		return adapter.Key{}, false
	}
	sym := strings.TrimPrefix(env.Topic, topicPrefix)
	return adapter.Key{Exchange: adapter.KuCoinSpot, Symbol: adapter.CanonicalSymbol(sym)}, true
}

func (p *Protocol) Parse(raw []byte) adapter.Result { return p.parser.Parse(raw) }

func (p *Protocol) SubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames(keys, func(topic string) any { return kucoin.NewSubscribeMessage(topic, false) })
}

func (p *Protocol) UnsubscribeFrames(keys []adapter.Key) ([][]byte, error) {
	return p.frames(keys, func(topic string) any { return kucoin.NewUnsubscribeMessage(topic, false) })
}

func (p *Protocol) frames(keys []adapter.Key, build func(topic string) any) ([][]byte, error) {
	var out [][]byte
	for start := 0; start < len(keys); start += maxTopicsPerFrame {
		end := min(start+maxTopicsPerFrame, len(keys))
		syms := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			if k.Exchange != adapter.KuCoinSpot {
				return nil, fmt.Errorf("kucoin: %w: %s", adapter.ErrUnsupported, k.Exchange)
			}
			syms = append(syms, adapter.KuCoinSymbol(k.Symbol))
		}
		b, err := json.Marshal(build(topicPrefix + strings.Join(syms, ",")))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Reply answers the rare server ping with a pong carrying the same id.
func (p *Protocol) Reply(res adapter.Result) []byte {
	if res.Kind != adapter.KindControl || res.Action != adapter.ActionPing {
		return nil
	}
	b, _ := json.Marshal(&kucoin.WebSocketMessage{Id: res.Payload, Type: kucoin.PongMessage})
	return b
}

func (p *Protocol) Ping() []byte {
	b, _ := json.Marshal(kucoin.NewPingMessage())
	return b
}

func (p *Protocol) Adapter(key adapter.Key) (adapter.Adapter, error) {
	if key.Exchange != adapter.KuCoinSpot {
		return nil, fmt.Errorf("kucoin: %w: %s", adapter.ErrUnsupported, key.Exchange)
	}
	return p.parser, nil
}

// SnapshotURL returns the public top-100 order book endpoint.
func (p *Protocol) SnapshotURL(key adapter.Key, _ int) string {
	return p.apiBase + snapshotAPI + "?symbol=" + url.QueryEscape(adapter.KuCoinSymbol(key.Symbol))
}
