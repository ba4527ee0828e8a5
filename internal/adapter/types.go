package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caesar-terminal/depthsync/internal/numeric"
	"github.com/caesar-terminal/depthsync/internal/sequence"
)

// Exchange identifies a venue and market, using the ids the aggregated feed
// publishes: spot books end in "Spot", USDT-margined futures in "UM".
type Exchange string

const (
	BinanceSpot Exchange = "bnSpot"
	OKXSpot     Exchange = "okexSpot"
	ToobitSpot  Exchange = "toobitSpot"
	GateSpot    Exchange = "gateSpot"
	MEXCSpot    Exchange = "mexcSpot"
	BitgetSpot  Exchange = "bitgetSpot"
	BybitSpot   Exchange = "bybitSpot"
	KuCoinSpot  Exchange = "kucoinSpot"

	BinanceFutures Exchange = "bnUM"
	OKXFutures     Exchange = "okexUM"
	ToobitFutures  Exchange = "toobitUM"
	GateFutures    Exchange = "gateUM"
	MEXCFutures    Exchange = "mexcUM"
	BitgetFutures  Exchange = "bitgetUM"
	BybitFutures   Exchange = "bybitUM"
)

// SpotExchanges and FuturesExchanges list the ids carried by the aggregated
// feed.
var (
	SpotExchanges    = []Exchange{ToobitSpot, BinanceSpot, OKXSpot, GateSpot, MEXCSpot, BitgetSpot, BybitSpot}
	FuturesExchanges = []Exchange{ToobitFutures, BinanceFutures, OKXFutures, GateFutures, MEXCFutures, BitgetFutures, BybitFutures}
)

// DefaultSymbols are the books tracked when no manifest is configured.
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT", "ADAUSDT"}

// Market distinguishes spot books from perpetual futures books.
type Market uint8

const (
	Spot Market = iota + 1
	Futures
)

func (m Market) String() string {
	switch m {
	case Spot:
		return "spot"
	case Futures:
		return "futures"
	default:
		return "unknown"
	}
}

// ParseMarket accepts "spot" or "futures".
func ParseMarket(s string) (Market, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return Spot, nil
	case "futures", "um", "swap":
		return Futures, nil
	}
	return 0, fmt.Errorf("adapter: unknown market %q", s)
}

// Market derives the market from the id suffix.
func (e Exchange) Market() Market {
	if strings.HasSuffix(string(e), "UM") {
		return Futures
	}
	return Spot
}

// Key identifies one book. It replaces "exchange_symbol" string keys.
type Key struct {
	Exchange Exchange
	Symbol   string // canonical, e.g. BTCUSDT
}

func (k Key) String() string {
	return string(k.Exchange) + "/" + k.Symbol
}

// EventKind says whether a DepthEvent replaces the book or patches it.
type EventKind uint8

const (
	Snapshot EventKind = iota + 1
	Diff
)

func (k EventKind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Diff:
		return "diff"
	default:
		return "unknown"
	}
}

// DepthEvent is the normalized output of every adapter.
type DepthEvent struct {
	Kind         EventKind
	Symbol       string
	Bids         []numeric.RawLevel
	Asks         []numeric.RawLevel
	Span         sequence.Span
	ExchangeTime time.Time
	ReceiveTime  time.Time
}

// ResultKind classifies a parsed wire message.
type ResultKind uint8

const (
	KindDepth ResultKind = iota + 1
	KindControl
	KindIgnored
	KindMalformed
)

func (k ResultKind) String() string {
	switch k {
	case KindDepth:
		return "depth"
	case KindControl:
		return "control"
	case KindIgnored:
		return "ignored"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Action names a protocol control signal.
type Action uint8

const (
	ActionNone Action = iota
	ActionPing
	ActionPong
	ActionSubscribeAck
	ActionUnsubscribeAck
	ActionWelcome
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionPing:
		return "ping"
	case ActionPong:
		return "pong"
	case ActionSubscribeAck:
		return "subscribe_ack"
	case ActionUnsubscribeAck:
		return "unsubscribe_ack"
	case ActionWelcome:
		return "welcome"
	case ActionError:
		return "error"
	default:
		return "none"
	}
}

// Result is what Parse returns for one wire message.
type Result struct {
	Kind    ResultKind
	Event   DepthEvent // KindDepth
	Action  Action     // KindControl
	Payload string     // KindControl: ping nonce, error text, ack id
	Reason  string     // KindMalformed
}

// Depth wraps an event.
func Depth(ev DepthEvent) Result { return Result{Kind: KindDepth, Event: ev} }

// Control wraps a protocol signal.
func Control(a Action, payload string) Result {
	return Result{Kind: KindControl, Action: a, Payload: payload}
}

// Ignored marks a well-formed message the engine has no use for.
func Ignored() Result { return Result{Kind: KindIgnored} }

// Malformed marks a message that matches no known shape.
func Malformed(format string, args ...any) Result {
	return Result{Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

// Adapter translates one exchange's wire format for a pipeline. It is chosen
// once when the pipeline is built. Implementations are pure: no book state,
// no I/O.
type Adapter interface {
	Exchange() Exchange
	Parse(raw []byte) Result

	// Policy is the continuity rule the sequence guard applies to diffs.
	Policy() sequence.Policy
}

// Protocol is the connection-level half of an exchange integration: it
// frames subscriptions, answers keep-alives and routes depth frames to the
// right book without fully decoding them.
type Protocol interface {
	Endpoint() string

	// Route extracts the book a depth frame belongs to. ok is false for
	// connection-level frames, which the caller passes to Parse instead.
	Route(raw []byte) (key Key, ok bool)
	Parse(raw []byte) Result

	SubscribeFrames(keys []Key) ([][]byte, error)
	UnsubscribeFrames(keys []Key) ([][]byte, error)

	// Reply returns the frame to send back for a control result, or nil.
	Reply(res Result) []byte

	// Ping returns an application-level keep-alive frame, or nil when the
	// venue relies on transport pings.
	Ping() []byte

	// Adapter returns the per-book adapter for key.
	Adapter(key Key) (Adapter, error)
}

// SnapshotSource is implemented by protocols whose snapshots come from REST
// rather than from the stream itself.
type SnapshotSource interface {
	SnapshotURL(key Key, limit int) string
}

// RESTSnapshotter is implemented by adapters whose snapshots are fetched
// over REST while the stream keeps delivering diffs. Pipelines hold those
// diffs until the snapshot lands instead of discarding them.
type RESTSnapshotter interface {
	SnapshotsOverREST() bool
}

// EndpointResolver is implemented by protocols that must obtain a
// connect URL (and token) before every dial.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context) (string, error)
}

// ErrUnsupported is returned when a protocol is asked for a book it cannot
// serve.
var ErrUnsupported = errors.New("adapter: unsupported exchange")
