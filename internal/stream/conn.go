// Package stream implements the Stream Client and Shard Supervisor: the
// duplex venue connection, its reconnect/backoff state machine, and wire
// frame parsing. Grounded on the teacher's mock Binance client
// (internal/data/ws/binance.go), redesigned to hold a real
// gorilla/websocket connection per spec §4.2.
package stream

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/net/circuit"
)

// State is one node of the Stream Client's connection state machine
// (spec §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler receives one parsed frame per inbound message, in the
// connection's monotone sequence.
type Handler func(seq uint64, frame *ParsedFrame)

// ShardBreaker lets a Conn report the outcome of each reconnect attempt
// to its shard's circuit breaker and check whether that breaker has
// tripped, independent of Conn's own per-connection backoff loop. Run
// only ever returns nil once ctx is cancelled, so a Supervisor cannot
// observe reconnect failures by inspecting Run's return value alone;
// this interface is the signal it needs instead (spec §4.3 shard-wide
// degradation).
type ShardBreaker interface {
	Record(err error)
	Open() bool
}

// Config configures one Conn.
type Config struct {
	URL              string
	Subscriptions    []string // channel@symbol pairs to subscribe on connect
	IdleWindow       time.Duration
	BackoffBase      time.Duration
	BackoffCeiling   time.Duration
	CircuitConfig    circuit.Config
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the teacher-grounded defaults for reconnect
// pacing and the per-connection circuit breaker.
func DefaultConfig() Config {
	return Config{
		IdleWindow:       30 * time.Second,
		BackoffBase:      500 * time.Millisecond,
		BackoffCeiling:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		CircuitConfig: circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
	}
}

// Conn is one persistent duplex connection to the venue (spec §4.2): it
// owns exactly one websocket, a monotone per-connection sequence number,
// and the backoff/circuit-breaker state that governs reconnection.
type Conn struct {
	name   string
	cfg    Config
	dialer *websocket.Dialer
	cb     *circuit.Breaker

	handler      Handler
	shardBreaker ShardBreaker

	mu      sync.RWMutex
	state   State
	seq     uint64
	lastMsg time.Time
	attempt int
}

// New constructs a Conn. handler is invoked synchronously from the
// read loop's goroutine for each parsed frame; it must not block for
// long, since a slow handler directly creates backpressure on reads.
func New(name string, cfg Config, handler Handler) *Conn {
	return &Conn{
		name:    name,
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		cb:      circuit.NewBreaker(cfg.CircuitConfig),
		handler: handler,
		state:   StateDisconnected,
	}
}

// SetBreaker overrides the per-connection breaker New created from
// cfg.CircuitConfig. The Supervisor uses this to hand each Conn a
// breaker owned by its shard's circuit.Manager instead, so the shard's
// per-connection health is visible as a single Stats set rather than
// scattered across unrelated *circuit.Breaker values.
func (c *Conn) SetBreaker(b *circuit.Breaker) {
	c.mu.Lock()
	c.cb = b
	c.mu.Unlock()
}

// SetShardBreaker attaches the shard-level breaker this Conn reports
// reconnect outcomes to. Optional: a Conn with no ShardBreaker behaves
// exactly as before, gated only by its own per-connection breaker.
func (c *Conn) SetShardBreaker(b ShardBreaker) {
	c.mu.Lock()
	c.shardBreaker = b
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Info().Str("conn", c.name).Str("from", prev.String()).Str("to", s.String()).Msg("stream connection state change")
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled,
// at which point it transitions to Draining and returns once the
// connection is closed and any buffered handler work has drained.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDraining)
			return nil
		default:
		}

		err := c.connectAndServe(ctx)
		if err != nil && ctx.Err() == nil {
			c.recordOutcome(err)
		}

		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDraining)
				return nil
			}
			if err == circuit.ErrCircuitOpen {
				c.setState(StateFailed)
				if !c.waitForHalfOpen(ctx) {
					return nil
				}
				continue
			}
			c.setState(StateReconnecting)
			if !c.waitForShardHalfOpen(ctx) {
				return nil
			}
			if !c.backoffSleep(ctx) {
				return nil
			}
			continue
		}
	}
}

// recordOutcome reports a reconnect failure to the shard breaker, if
// one is attached, so gobreaker's ConsecutiveFailures actually reflects
// this connection's reconnect churn rather than staying permanently at
// zero.
func (c *Conn) recordOutcome(err error) {
	c.mu.RLock()
	b := c.shardBreaker
	c.mu.RUnlock()
	if b != nil {
		b.Record(err)
	}
}

// waitForShardHalfOpen blocks while the shard breaker reports itself
// open, so a connection whose shard has tripped stops hammering the
// venue even though its own per-connection breaker may be closed.
func (c *Conn) waitForShardHalfOpen(ctx context.Context) bool {
	c.mu.RLock()
	b := c.shardBreaker
	c.mu.RUnlock()
	if b == nil {
		return true
	}

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for b.Open() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func (c *Conn) waitForHalfOpen(ctx context.Context) bool {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if c.cb.State() != circuit.StateOpen {
				return true
			}
		}
	}
}

func (c *Conn) backoffSleep(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	delay := c.cfg.BackoffBase * time.Duration(1<<uint(minInt(attempt, 20)))
	if delay > c.cfg.BackoffCeiling {
		delay = c.cfg.BackoffCeiling
	}
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(jittered):
		return true
	}
}

func (c *Conn) connectAndServe(ctx context.Context) error {
	return c.cb.Call(ctx, func(ctx context.Context) error {
		c.setState(StateConnecting)

		ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, http.Header{})
		if err != nil {
			return fmt.Errorf("stream: dial %s: %w", c.name, err)
		}
		defer ws.Close()

		if err := c.subscribe(ws); err != nil {
			return fmt.Errorf("stream: subscribe %s: %w", c.name, err)
		}

		c.mu.Lock()
		c.attempt = 0
		c.lastMsg = time.Now()
		c.mu.Unlock()
		c.setState(StateConnected)

		return c.readLoop(ctx, ws)
	})
}

func (c *Conn) subscribe(ws *websocket.Conn) error {
	if len(c.cfg.Subscriptions) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": c.cfg.Subscriptions,
		"id":     1,
	}
	return ws.WriteJSON(msg)
}

// readLoop blocks reading frames until the connection errs, stalls past
// the idle window, or ctx is cancelled. The handler runs synchronously
// in the same goroutine as ReadMessage, so a slow downstream consumer
// directly pauses reads rather than dropping frames (spec §4.2/§5:
// backpressure blocks, it never drops-newest).
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}

			c.mu.Lock()
			c.lastMsg = time.Now()
			c.seq++
			seq := c.seq
			c.mu.Unlock()

			frame, perr := ParseFrame(msg)
			if perr != nil {
				log.Warn().Str("conn", c.name).Err(perr).Msg("stream: dropping malformed frame")
				continue
			}
			if frame == nil {
				continue
			}
			c.handler(seq, frame)
		}
	}()

	idle := time.NewTicker(c.cfg.IdleWindow / 2)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case err := <-errCh:
			return fmt.Errorf("stream: read %s: %w", c.name, err)
		case <-idle.C:
			c.mu.RLock()
			stale := time.Since(c.lastMsg) > c.cfg.IdleWindow
			c.mu.RUnlock()
			if stale {
				return fmt.Errorf("stream: %s stalled, no message for %s", c.name, c.cfg.IdleWindow)
			}
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
