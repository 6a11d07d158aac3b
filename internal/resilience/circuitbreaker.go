// Package resilience provides the circuit breaker used by Streampulse's
// network edges.
//
// A [CircuitBreaker] moves between closed, open, and half-open so callers
// stop hammering an upstream that keeps refusing. Every WebSocket client
// gates its connect hook through one, and the language-model analyzer gates
// its completion calls the same way.
//
// Everything here is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a [CircuitBreaker] operating mode.
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen means the failure threshold was crossed. Every call gets
	// [ErrCircuitOpen] back until the reset timeout has passed.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. One
	// call is allowed through; success closes the breaker fully, failure
	// opens it again.
	StateHalfOpen
)

// String names the state the way the status endpoint reports it.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and status snapshots.
	Name string

	// MaxFailures is how many consecutive failures the closed state absorbs
	// before tripping. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe call. Default: 300s.
	ResetTimeout time.Duration
}

// CircuitBreaker trips after MaxFailures consecutive failures and admits a
// single probe once ResetTimeout has passed. One successful call, probe or
// regular, closes it fully and zeroes the failure counter. Safe for
// concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// Stats is a point-in-time snapshot of a breaker, exposed via the service
// status endpoint.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// NewCircuitBreaker builds a closed breaker from cfg, filling zero fields
// with the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 300 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
	}
}

// Execute runs fn when the breaker admits it and records the outcome. While
// open it returns [ErrCircuitOpen] without calling fn; while half-open only
// one probe runs at a time and concurrent callers are turned away until the
// probe resolves.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may proceed right now. It returns
// [ErrCircuitOpen] while the breaker is open (or while a half-open probe is
// already in flight) and nil otherwise. Callers that use Allow directly must
// follow up with [CircuitBreaker.RecordSuccess] or
// [CircuitBreaker.RecordFailure] for the admitted call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		// Timeout elapsed; admit this caller as the half-open probe.
		cb.state = StateHalfOpen
		cb.probing = true
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		return nil

	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil

	default:
		return nil
	}
}

// RecordFailure notes a failed call. A failed half-open probe re-opens the
// breaker for another full timeout; in the closed state consecutive failures
// accumulate until the breaker opens. Callers that bypass [CircuitBreaker.Allow]
// (such as a reconnect loop that keeps dialing while the circuit is open) may
// record failures directly; the open window is extended accordingly.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	if cb.probing {
		cb.probing = false
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.state != StateOpen && cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit opened after repeated failures",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// RecordSuccess notes a successful call. A single success, probe or regular,
// closes the breaker fully and zeroes the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if cb.state != StateClosed {
		slog.Info("circuit breaker closed after successful call", "name", cb.name)
	}
	cb.state = StateClosed
	cb.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot for the status endpoint.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.state
	if state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		state = StateHalfOpen
	}
	return Stats{
		Name:                cb.name,
		State:               state.String(),
		ConsecutiveFailures: cb.consecutiveFail,
		LastFailure:         cb.lastFailure,
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probing = false
	slog.Info("circuit reset by operator", "name", cb.name)
}
