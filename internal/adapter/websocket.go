package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CircuitState represents the health of the upstream connection. The
// freshness monitor reads it to decide whether a venue's books can be
// trusted.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // disconnected or reconnecting
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// PingInterval and PingFrame drive application-level keep-alives for
	// venues that expect the client to ping. Disabled when PingFrame is nil.
	PingInterval time.Duration
	PingFrame    []byte

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake.
	Headers http.Header

	// Resolve, when set, replaces URL before every dial. Venues that hand
	// out short-lived connect tokens need a fresh URL per connection.
	Resolve func(ctx context.Context) (string, error)
}

// DefaultWSConfig returns defaults suited to public depth streams, which can
// go quiet for several seconds on illiquid books.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 60 * time.Second,
		PingInterval:     30 * time.Second,
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a resilient WebSocket connection manager. It reconnects with
// exponential backoff, monitors heartbeats, and fans out incoming messages to
// subscribers.
type WSClient struct {
	cfg WSConfig
	log *zap.Logger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu  sync.RWMutex
	subs   []chan []byte
	closed bool

	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	hookMu      sync.RWMutex
	onReconnect func()
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSClient{
		cfg:    cfg,
		log:    log.Named("ws").With(zap.String("url", cfg.URL)),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Circuit returns the current connection state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// OnReconnect registers fn to run after every successful reconnection. The
// feed layer uses it to resubscribe and request fresh snapshots.
func (ws *WSClient) OnReconnect(fn func()) {
	ws.hookMu.Lock()
	ws.onReconnect = fn
	ws.hookMu.Unlock()
}

// Subscribe returns a channel that receives every inbound message.
// A reader that falls behind stalls the connection rather than losing frames.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 4096)
	ws.subMu.Lock()
	if ws.closed {
		close(ch)
	} else {
		ws.subs = append(ws.subs, ch)
	}
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.Warn("outbox full, dropping message", zap.Int("bytes", len(data)))
	}
}

// Connect dials the endpoint and starts the read, write and keep-alive loops.
// It blocks until the initial connection succeeds or ctx is cancelled.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.cancel()
		return err
	}
	ws.circuit.Store(int32(CircuitClosed))

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	if ws.cfg.PingFrame != nil && ws.cfg.PingInterval > 0 {
		go ws.pingLoop(ctx)
	}

	return nil
}

// Close shuts down the client, closing the connection and all subscriber
// channels. It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.subMu.Lock()
		ws.closed = true
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

// dial establishes the connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	url := ws.cfg.URL
	if ws.cfg.Resolve != nil {
		u, err := ws.cfg.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve endpoint: %w", err)
		}
		url = u
	}

	conn, _, err := dialer.DialContext(ctx, url, ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.circuit.Store(int32(CircuitClosed))
		ws.log.Info("reconnected")

		ws.hookMu.RLock()
		hook := ws.onReconnect
		ws.hookMu.RUnlock()
		if hook != nil {
			hook()
		}
		return true
	}
}

// readLoop reads messages and fans them out. It doubles as the heartbeat
// monitor: silence longer than HeartbeatTimeout triggers a reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				ws.log.Warn("heartbeat timeout, reconnecting", zap.Duration("timeout", ws.cfg.HeartbeatTimeout))
			} else {
				ws.log.Warn("read error, reconnecting", zap.Error(err))
			}
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(ctx, msg)
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warn("write error", zap.Error(err))
			}
		}
	}
}

func (ws *WSClient) pingLoop(ctx context.Context) {
	t := time.NewTicker(ws.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ws.Circuit() == CircuitClosed {
				ws.Send(ws.cfg.PingFrame)
			}
		}
	}
}

// fanOut hands msg to every subscriber. A full subscriber blocks the read
// loop, which pushes backpressure onto the socket instead of losing frames.
func (ws *WSClient) fanOut(ctx context.Context, msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()
	if ws.closed {
		return
	}

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}
