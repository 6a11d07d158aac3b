// Package wsclient implements the resilient WebSocket client foundation the
// Streampulse network edges are built on: exponential-backoff reconnection
// with jitter, a connect circuit breaker, heartbeat liveness, tracked
// background tasks, and a Phoenix channel dialect layered on top.
//
// A [Client] owns the connection lifecycle; the actual socket work is
// delegated to a [Transport] implementation (dial, blocking read loop,
// close). Transports that also implement [HeartbeatSender] get a periodic
// liveness ping with a forced reconnect after repeated failures.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/lurkshade/streampulse/internal/resilience"
)

// Defaults for [Config] fields left at zero.
const (
	defaultReconnectBase     = 1 * time.Second
	defaultReconnectCap      = 60 * time.Second
	defaultMaxAttempts       = 10
	defaultHeartbeatInterval = 30 * time.Second

	// heartbeatFailureLimit is the number of consecutive heartbeat failures
	// that force a reconnect cycle.
	heartbeatFailureLimit = 3

	// shutdownCeiling bounds how long Disconnect waits for tracked tasks.
	shutdownCeiling = 5 * time.Second
)

// Transport is the connection-specific part of a client: how to dial, how to
// pump inbound frames, and how to tear the socket down. ReadLoop must block
// until the connection drops or ctx is cancelled, returning the cause.
type Transport interface {
	DialContext(ctx context.Context) error
	ReadLoop(ctx context.Context) error
	Close(ctx context.Context) error
}

// HeartbeatSender is implemented by transports that support a liveness ping.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context) error
}

// StateObserver is notified of connection state transitions. Observers run
// inline on the transitioning goroutine and must not block; a panicking
// observer is recovered and logged without disturbing the others.
type StateObserver func(old, next State)

// Config tunes a [Client]. Zero fields fall back to the package defaults.
type Config struct {
	// Name labels the client in logs and status payloads.
	Name string

	// ReconnectBase is the first backoff delay; it doubles per failed attempt.
	// Default 1s.
	ReconnectBase time.Duration

	// ReconnectCap is the upper bound on a single backoff delay. Default 60s.
	ReconnectCap time.Duration

	// MaxAttempts is the number of consecutive failed connects after which the
	// client gives up and enters [StateFailed]. Default 10.
	MaxAttempts int

	// HeartbeatInterval is the period between liveness pings and the basis for
	// [Client.HealthCheck] staleness (twice the interval). Default 30s.
	HeartbeatInterval time.Duration

	// BreakerThreshold and BreakerTimeout configure the connect circuit
	// breaker. Zero values use the resilience defaults (5 failures, 300s).
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Client drives a [Transport] through the connection state machine:
// Disconnected → Connecting → Connected, with Reconnecting between failed
// cycles and Failed once the attempt budget is spent.
type Client struct {
	name      string
	transport Transport
	hb        HeartbeatSender // nil when the transport has no heartbeat
	cfg       Config

	breaker *resilience.CircuitBreaker
	tasks   *taskSet

	mu            sync.Mutex
	state         State
	attempts      int   // consecutive failed connects in the current cycle
	reconnects    int64 // successful recoveries from Reconnecting
	hbFailures    int
	lastHeartbeat time.Time
	observers     []StateObserver

	hbOnce   sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a client around transport. The transport is probed for
// [HeartbeatSender] support.
func New(transport Transport, cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "wsclient"
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	hb, _ := transport.(HeartbeatSender)
	return &Client{
		name:      cfg.Name,
		transport: transport,
		hb:        hb,
		cfg:       cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         cfg.Name,
			MaxFailures:  cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerTimeout,
		}),
		tasks:   newTaskSet(),
		stopped: make(chan struct{}),
	}
}

// Connect performs a single breaker-gated connection attempt. While the
// circuit is open it returns false immediately without invoking the
// transport.
func (c *Client) Connect(ctx context.Context) bool {
	if err := c.breaker.Allow(); err != nil {
		slog.Warn("connect rejected, circuit open", "client", c.name)
		return false
	}
	if err := c.dial(ctx); err != nil {
		c.breaker.RecordFailure()
		c.connectFailed(err)
		return false
	}
	c.breaker.RecordSuccess()
	return true
}

// ListenWithReconnect runs the transport read loop, transparently
// reconnecting with exponential backoff when the connection drops. It
// returns when ctx is cancelled, when Disconnect is called, or when the
// attempt budget is exhausted (the client is then in [StateFailed]).
//
// Unlike [Client.Connect], reconnect attempts are not rejected by an open
// circuit; the MaxAttempts budget bounds the loop instead. Outcomes still
// feed the breaker so fresh Connect calls observe the failure history.
func (c *Client) ListenWithReconnect(ctx context.Context) error {
	if c.hb != nil {
		c.hbOnce.Do(func() {
			c.tasks.Go(ctx, "heartbeat", c.heartbeatLoop)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		if c.State() != StateConnected {
			if err := c.dial(ctx); err != nil {
				c.breaker.RecordFailure()
				n := c.connectFailed(err)
				if n >= c.cfg.MaxAttempts {
					return fmt.Errorf("wsclient: %s: gave up after %d connect attempts: %w",
						c.name, n, err)
				}

				delay := c.backoffDelay(n)
				slog.Info("waiting before reconnect",
					"client", c.name, "attempt", n, "delay", delay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-c.stopped:
					return nil
				case <-time.After(delay):
				}
				continue
			}
			c.breaker.RecordSuccess()
		}

		err := c.transport.ReadLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.stopped:
			return nil
		default:
		}

		slog.Warn("connection lost", "client", c.name, "error", err)
		c.setState(StateReconnecting)
	}
}

// Disconnect stops the client: tracked tasks are cancelled and awaited up to
// the shutdown ceiling, the transport is closed, and the state machine lands
// in [StateDisconnected]. Safe to call more than once.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopped) })

	if abandoned := c.tasks.Shutdown(shutdownCeiling); len(abandoned) > 0 {
		slog.Warn("tasks abandoned at disconnect",
			"client", c.name, "tasks", abandoned, "ceiling", shutdownCeiling)
	}

	err := c.transport.Close(ctx)
	c.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("wsclient: %s: close: %w", c.name, err)
	}
	return nil
}

// HealthCheck reports liveness: the client is healthy when connected and the
// last successful heartbeat is no older than twice the heartbeat interval.
// Clients without a heartbeat transport are healthy whenever connected.
func (c *Client) HealthCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return false
	}
	if c.hb == nil {
		return true
	}
	return time.Since(c.lastHeartbeat) <= 2*c.cfg.HeartbeatInterval
}

// OnStateChange registers an observer for state transitions. Register
// observers before the client starts connecting.
func (c *Client) OnStateChange(fn StateObserver) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Go spawns fn as a tracked background task. Tracked tasks are cancelled and
// awaited (with the 5s ceiling) when the client disconnects.
func (c *Client) Go(ctx context.Context, name string, fn func(context.Context)) {
	c.tasks.Go(ctx, name, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Name              string           `json:"name"`
	State             string           `json:"state"`
	Healthy           bool             `json:"healthy"`
	ConnectAttempts   int              `json:"connect_attempts"`
	Reconnects        int64            `json:"reconnects"`
	HeartbeatFailures int              `json:"heartbeat_failures"`
	LastHeartbeat     time.Time        `json:"last_heartbeat,omitzero"`
	Circuit           resilience.Stats `json:"circuit"`
}

// Status returns the current snapshot.
func (c *Client) Status() Status {
	healthy := c.HealthCheck()

	c.mu.Lock()
	st := Status{
		Name:              c.name,
		State:             c.state.String(),
		Healthy:           healthy,
		ConnectAttempts:   c.attempts,
		Reconnects:        c.reconnects,
		HeartbeatFailures: c.hbFailures,
		LastHeartbeat:     c.lastHeartbeat,
	}
	c.mu.Unlock()

	st.Circuit = c.breaker.Stats()
	return st
}

// dial runs the transport connect hook with the Connecting → Connected
// transition. On success the attempt counter and heartbeat accounting reset.
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.transport.DialContext(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.hbFailures = 0
	c.lastHeartbeat = time.Now()
	if prev == StateReconnecting {
		c.reconnects++
	}
	c.mu.Unlock()

	c.setState(StateConnected)
	slog.Info("connected", "client", c.name)
	return nil
}

// connectFailed advances the attempt counter and moves the state machine to
// Reconnecting, or Failed once the budget is spent. Returns the attempt
// number.
func (c *Client) connectFailed(err error) int {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()

	if n >= c.cfg.MaxAttempts {
		slog.Error("giving up after max connect attempts",
			"client", c.name, "attempts", n, "error", err)
		c.setState(StateFailed)
	} else {
		slog.Warn("connect attempt failed",
			"client", c.name, "attempt", n, "max_attempts", c.cfg.MaxAttempts, "error", err)
		c.setState(StateReconnecting)
	}
	return n
}

// backoffDelay computes the delay before retry number attempt (1-based):
// min(base · 2^(attempt−1), cap), stretched by up to 10% random jitter so
// simultaneously dropped clients do not reconnect in lockstep.
func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.cfg.ReconnectCap
	if shift := attempt - 1; shift < 62 {
		if exp := c.cfg.ReconnectBase << shift; exp > 0 && exp < d {
			d = exp
		}
	}
	return time.Duration(float64(d) * (1 + rand.Float64()*0.1))
}

// heartbeatLoop pings the transport every interval while connected. Three
// consecutive failures force a reconnect by closing the transport, which
// unblocks the read loop.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
		}

		if c.State() != StateConnected {
			continue
		}

		if err := c.hb.SendHeartbeat(ctx); err != nil {
			c.mu.Lock()
			c.hbFailures++
			fails := c.hbFailures
			c.mu.Unlock()

			slog.Warn("heartbeat failed",
				"client", c.name, "consecutive_failures", fails, "error", err)

			if fails >= heartbeatFailureLimit {
				slog.Error("forcing reconnect after repeated heartbeat failures",
					"client", c.name, "failures", fails)
				if err := c.transport.Close(ctx); err != nil {
					slog.Warn("transport close during forced reconnect",
						"client", c.name, "error", err)
				}
			}
			continue
		}

		c.mu.Lock()
		c.hbFailures = 0
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	}
}

// setState transitions the state machine and notifies observers. No-op when
// the state is unchanged.
func (c *Client) setState(next State) {
	c.mu.Lock()
	old := c.state
	if old == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	slog.Debug("connection state changed",
		"client", c.name, "from", old.String(), "to", next.String())

	for _, fn := range observers {
		c.notify(fn, old, next)
	}
}

// notify invokes one observer, recovering a panic so a bad observer cannot
// poison state propagation.
func (c *Client) notify(fn StateObserver, old, next State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state observer panicked", "client", c.name, "panic", r)
		}
	}()
	fn(old, next)
}
