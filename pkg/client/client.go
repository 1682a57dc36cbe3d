// Package client is the Go client SDK for the bridge: it maintains the
// WebSocket connection to the relay, transparently reconnects with
// exponential backoff, keeps the link alive with heartbeats, and buffers
// outbound audio across drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sightline-voice/sightline/pkg/audio"
	"github.com/sightline-voice/sightline/pkg/protocol"
)

// ErrReconnectExhausted is returned once every reconnect attempt has failed.
// The client is terminal afterwards; create a new one to try again.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// ErrClosed is returned from calls made after Close.
var ErrClosed = errors.New("client: closed")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	defaultMaxAttempts       = 5
	defaultHeartbeatInterval = 10 * time.Second
	defaultPongTimeout       = 30 * time.Second
	defaultAudioBufferSize   = 100
	defaultBackoffUnit       = time.Second
)

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMaxAttempts caps reconnect attempts per drop. Default: 5.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithHeartbeat tunes the liveness ping interval and pong timeout.
// Defaults: 10s interval, 30s timeout.
func WithHeartbeat(interval, pongTimeout time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = interval
		c.pongTimeout = pongTimeout
	}
}

// WithBackoffUnit scales the reconnect backoff (delay = 2^(attempt-1) units).
// Default: one second. Tests shrink it.
func WithBackoffUnit(unit time.Duration) Option {
	return func(c *Client) { c.backoffUnit = unit }
}

// WithAudioBuffer sets the outbound audio ring capacity used while
// disconnected. Default: 100 chunks, oldest dropped on overflow.
func WithAudioBuffer(n int) Option {
	return func(c *Client) { c.bufCap = n }
}

// backoffDelay returns the reconnect delay for attempt n (1-based):
// unit, 2·unit, 4·unit, …
func backoffDelay(attempt int, unit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * unit
}

// Client is a resilient bridge connection. Create with [New], start with
// [Client.Connect], consume server envelopes from [Client.Messages].
// All methods are safe for concurrent use.
type Client struct {
	url string
	log *slog.Logger

	maxAttempts       int
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	backoffUnit       time.Duration
	bufCap            int

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	buf      []audio.Chunk // pending audio, oldest first
	lastPong time.Time
	termErr  error

	msgs      chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Client for the relay at url (ws:// or wss://, including the
// /v1/session path). It does not connect; call [Client.Connect].
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:               url,
		log:               slog.Default(),
		maxAttempts:       defaultMaxAttempts,
		heartbeatInterval: defaultHeartbeatInterval,
		pongTimeout:       defaultPongTimeout,
		backoffUnit:       defaultBackoffUnit,
		bufCap:            defaultAudioBufferSize,
		msgs:              make(chan protocol.Envelope, 64),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the relay and starts the read and heartbeat loops. It
// returns once the first connection is established; reconnection after later
// drops is automatic.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("client: dial %q: %w", c.url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.lastPong = time.Now()
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error, if any (set once reconnects are exhausted
// or Close is called).
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Messages returns the stream of server envelopes. The channel is closed
// when the client becomes terminal; check [Client.Err] afterwards.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.msgs
}

// SendAudio sends a PCM16 chunk, buffering it while disconnected. Buffered
// chunks are flushed in order after reconnection; the buffer is a bounded
// ring and drops the oldest chunk on overflow.
func (c *Client) SendAudio(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	if c.termErr != nil {
		c.mu.Unlock()
		return c.termErr
	}
	if c.state != StateConnected {
		if len(c.buf) >= c.bufCap {
			c.buf = c.buf[1:]
		}
		c.buf = append(c.buf, audio.Chunk{Data: buf, ReceivedAt: time.Now()})
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	return c.write(ws, protocol.Envelope{Type: protocol.TypeAudio, Data: buf})
}

// Send sends an arbitrary envelope. Unlike audio, non-audio envelopes are
// not buffered across drops.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	if c.termErr != nil {
		c.mu.Unlock()
		return c.termErr
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("client: not connected (state %s)", c.State())
	}
	ws := c.ws
	c.mu.Unlock()
	return c.write(ws, env)
}

// Close terminates the client. Idempotent.
func (c *Client) Close() {
	c.terminate(ErrClosed)
}

func (c *Client) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.termErr = err
		c.state = StateError
		if err == ErrClosed {
			c.state = StateDisconnected
		}
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		close(c.done)
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "")
		}
		c.wg.Wait()
		close(c.msgs)
	})
}

func (c *Client) write(ws *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("client: marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// readLoop pumps server envelopes until the connection drops, then runs the
// reconnect cycle. It exits only when the client is terminal.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Warn("connection lost", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed envelope dropped", "error", err)
			continue
		}
		if env.Type == protocol.TypePong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}

		select {
		case c.msgs <- env:
		case <-c.done:
			return
		}
	}
}

// reconnect runs the backoff cycle. Returns false when the client became
// terminal (closed or exhausted).
func (c *Client) reconnect() bool {
	c.setState(StateConnecting)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := backoffDelay(attempt, c.backoffUnit)
		c.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ws, _, err := websocket.Dial(ctx, c.url, nil)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.state = StateConnected
		c.lastPong = time.Now()
		pending := c.buf
		c.buf = nil
		c.mu.Unlock()

		// Flush buffered audio in arrival order.
		for _, chunk := range pending {
			if err := c.write(ws, protocol.Envelope{Type: protocol.TypeAudio, Data: chunk.Data}); err != nil {
				c.log.Warn("flush buffered audio", "error", err)
				break
			}
		}
		var span time.Duration
		if len(pending) > 0 {
			span = time.Since(pending[0].ReceivedAt)
		}
		c.log.Info("reconnected", "flushed_chunks", len(pending), "buffered_span", span)
		return true
	}

	c.log.Error("reconnect attempts exhausted", "attempts", c.maxAttempts)
	go c.terminate(ErrReconnectExhausted)
	return false
}

// heartbeatLoop sends pings on a fixed interval and forces a reconnect when
// no pong arrives within the timeout.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		state := c.state
		ws := c.ws
		stale := time.Since(c.lastPong) > c.pongTimeout
		c.mu.Unlock()

		if state != StateConnected || ws == nil {
			continue
		}
		if stale {
			// Kill the socket; the read loop notices and reconnects.
			c.log.Warn("pong timeout, forcing reconnect")
			ws.Close(websocket.StatusPolicyViolation, "pong timeout")
			continue
		}
		if err := c.write(ws, protocol.Envelope{Type: protocol.TypePing}); err != nil {
			c.log.Debug("heartbeat ping", "error", err)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
