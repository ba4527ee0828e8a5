// Package server pushes normalized books to UI clients over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
	"github.com/caesar-terminal/depthsync/internal/publish"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 4096
	sendBuf             = 256
	maxConsecutiveDrops = 50

	// TopicCompare carries comparison events.
	TopicCompare = "compare"
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusMessage reports a pipeline status change.
type StatusMessage struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	At       int64  `json:"ts"`
}

// CompareMessage reports one comparison between two venues.
type CompareMessage struct {
	Pair                string `json:"pair"`
	Symbol              string `json:"symbol"`
	Baseline            string `json:"baseline"`
	Challenger          string `json:"challenger"`
	Band                string `json:"band"`
	Side                string `json:"side"`
	BaselineDepth       string `json:"baselineDepth"`
	ChallengerDepth     string `json:"challengerDepth"`
	DepthScore          int    `json:"depthScore"`
	BaselineSpreadPct   string `json:"baselineSpreadPct"`
	ChallengerSpreadPct string `json:"challengerSpreadPct"`
	SpreadScore         int    `json:"spreadScore"`
	At                  int64  `json:"ts"`
}

// Sources are the streams the hub forwards. Any of them may be nil.
type Sources struct {
	Results     <-chan pipeline.Result
	Statuses    <-chan pipeline.StatusEvent
	Comparisons <-chan publish.ComparisonEvent
}

type publishMsg struct {
	topic string
	data  []byte
}

type subscription struct {
	client *client
	topic  string
	remove bool
}

// Hub manages UI clients and their topic subscriptions. A topic is a book
// key ("bnUM/BTCUSDT") or TopicCompare. A client that asked for no topic
// receives everything.
type Hub struct {
	log *zap.Logger
	src Sources

	register  chan *client
	unregist  chan *client
	subscribe chan subscription

	clients map[*client]struct{}
	done    chan struct{}

	connected atomic.Int64
	drops     atomic.Uint64
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	all    bool
	topics map[string]struct{}
	drops  int
}

// NewHub creates a Hub forwarding src. Call Run to start it.
func NewHub(src Sources, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:       log.Named("hub"),
		src:       src,
		register:  make(chan *client),
		unregist:  make(chan *client),
		subscribe: make(chan subscription),
		clients:   make(map[*client]struct{}),
		done:      make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Drops returns how many messages were not queued because a client buffer
// was full.
func (h *Hub) Drops() uint64 { return h.drops.Load() }

// Run forwards the sources to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	results, statuses, comparisons := h.src.Results, h.src.Statuses, h.src.Comparisons
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Add(1)

		case c := <-h.unregist:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			if sub.remove {
				delete(sub.client.topics, sub.topic)
			} else {
				sub.client.topics[sub.topic] = struct{}{}
				sub.client.all = false
			}

		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			h.forward(res.Key().String(), "depth", publish.NewPayload(res))

		case ev, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			h.forward(ev.Key().String(), "status", newStatusMessage(ev))

		case ev, ok := <-comparisons:
			if !ok {
				comparisons = nil
				continue
			}
			h.forward(TopicCompare, "compare", newCompareMessage(ev))
		}
	}
}

func (h *Hub) forward(topic, typ string, data any) {
	b, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		h.log.Warn("marshal message", zap.String("type", typ), zap.Error(err))
		return
	}
	h.deliver(publishMsg{topic: topic, data: b})
}

func (h *Hub) deliver(p publishMsg) {
	for c := range h.clients {
		if !c.all {
			if _, ok := c.topics[p.topic]; !ok {
				continue
			}
		}
		select {
		case c.send <- p.data:
			c.drops = 0
		default:
			h.drops.Add(1)
			c.drops++
			if c.drops > maxConsecutiveDrops {
				h.log.Warn("evicting slow client", zap.Int("drops", c.drops))
				h.drop(c)
				_ = c.conn.Close()
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.connected.Add(-1)
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers a client. The optional
// exchange and symbol query parameters subscribe it to one book.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var initial string
	if ex := q.Get("exchange"); ex != "" {
		sym := q.Get("symbol")
		if sym == "" {
			http.Error(w, "symbol is required with exchange", http.StatusBadRequest)
			return
		}
		initial = topicFor(ex, sym)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuf),
		all:    initial == "",
		topics: make(map[string]struct{}),
	}
	if initial != "" {
		c.topics[initial] = struct{}{}
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func topicFor(exchange, symbol string) string {
	return adapter.Key{Exchange: adapter.Exchange(exchange), Symbol: adapter.CanonicalSymbol(symbol)}.String()
}

// command is what clients send to change their subscriptions.
type command struct {
	Op       string `json:"op"` // subscribe | unsubscribe
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Topic    string `json:"topic"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregist <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client read", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		topic := cmd.Topic
		if topic == "" && cmd.Exchange != "" && cmd.Symbol != "" {
			topic = topicFor(cmd.Exchange, cmd.Symbol)
		}
		if topic == "" {
			continue
		}
		sub := subscription{client: c, topic: topic}
		switch cmd.Op {
		case "subscribe":
		case "unsubscribe":
			sub.remove = true
		default:
			continue
		}
		select {
		case c.hub.subscribe <- sub:
		case <-c.hub.done:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newStatusMessage(ev pipeline.StatusEvent) StatusMessage {
	return StatusMessage{
		Exchange: string(ev.Exchange),
		Symbol:   ev.Symbol,
		Status:   ev.Status.String(),
		Reason:   ev.Reason,
		At:       ev.At.UnixMilli(),
	}
}

func newCompareMessage(ev publish.ComparisonEvent) CompareMessage {
	return CompareMessage{
		Pair:                ev.Pair.Name(),
		Symbol:              ev.Pair.Symbol,
		Baseline:            string(ev.Pair.Baseline),
		Challenger:          string(ev.Pair.Challenger),
		Band:                ev.Band.String(),
		Side:                ev.Side.String(),
		BaselineDepth:       ev.BaselineDepth.String(),
		ChallengerDepth:     ev.ChallengerDepth.String(),
		DepthScore:          ev.DepthScore,
		BaselineSpreadPct:   ev.BaselineSpreadPct.String(),
		ChallengerSpreadPct: ev.ChallengerSpreadPct.String(),
		SpreadScore:         ev.SpreadScore,
		At:                  ev.At.UnixMilli(),
	}
}
