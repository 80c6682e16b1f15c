// SPDX-License-Identifier: MIT

// Package resilience isolates failures of external services behind
// per-service circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"reelscribe/internal/apperr"
	"reelscribe/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Mirror replicates breaker state to a shared store so multiple instances
// converge. All methods are best-effort: errors must not block callers.
type Mirror interface {
	Publish(ctx context.Context, service string, state State, ttl time.Duration) error
	Observe(ctx context.Context, service string) (State, bool, error)
}

// Settings configures one breaker.
type Settings struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open duration before a half-open probe
	HalfOpenSuccess  int           // successes required to close from half-open
	FailureWindow    time.Duration // failures older than this do not count
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenSuccess <= 0 {
		s.HalfOpenSuccess = 2
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = 60 * time.Second
	}
	return s
}

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine. State is
// process-local for fast reads; a Mirror may replicate it across instances.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	settings  Settings
	state     State
	failures  int
	successes int
	lastFail  time.Time
	openedAt  time.Time
	// nextObserve throttles mirror reads on the allow path.
	nextObserve time.Time
	clock       clock
	mirror      Mirror
}

// mirrorObserveEvery bounds how often the allow path consults the mirror.
const mirrorObserveEvery = time.Second

// Option configures optional breaker behaviour.
type Option func(*CircuitBreaker)

// WithClock overrides the time source (tests).
func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithMirror attaches a distributed state mirror.
func WithMirror(m Mirror) Option {
	return func(cb *CircuitBreaker) { cb.mirror = m }
}

// NewCircuitBreaker creates a breaker for the named service.
func NewCircuitBreaker(name string, settings Settings, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.SetCircuitBreakerState(cb.name, float64(cb.state))
	return cb
}

// Execute runs fn under the breaker. A denied call returns a typed
// circuit-open error carrying the time until the next probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if allowed, wait := cb.allowRequest(ctx); !allowed {
		return apperr.CircuitOpen(cb.name, wait)
	}

	err := fn()
	if err != nil {
		cb.recordFailure(ctx)
		return err
	}
	cb.recordSuccess(ctx)
	return nil
}

// State returns the current local state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allowRequest(ctx context.Context) (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.mirror != nil && cb.adoptMirrorOpen(ctx) {
			return false, cb.settings.ResetTimeout
		}
		return true, 0
	case StateOpen:
		elapsed := cb.clock.Now().Sub(cb.openedAt)
		if elapsed >= cb.settings.ResetTimeout {
			cb.transitionTo(ctx, StateHalfOpen)
			return true, 0
		}
		return false, cb.settings.ResetTimeout - elapsed
	default: // StateHalfOpen
		return true, 0
	}
}

// adoptMirrorOpen read-repairs a circuit a peer instance opened. Best effort:
// a mirror error or miss leaves the local view untouched. Caller must hold
// lock.
func (cb *CircuitBreaker) adoptMirrorOpen(ctx context.Context) bool {
	now := cb.clock.Now()
	if now.Before(cb.nextObserve) {
		return false
	}
	cb.nextObserve = now.Add(mirrorObserveEvery)
	remote, found, err := cb.mirror.Observe(ctx, cb.name)
	if err != nil || !found || remote != StateOpen {
		return false
	}
	metrics.RecordCircuitBreakerTrip(cb.name, "mirror_open")
	// Adopt without republishing so the peer's TTL governs recovery.
	cb.state = StateOpen
	cb.openedAt = now
	metrics.SetCircuitBreakerState(cb.name, float64(StateOpen))
	return true
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	// Failures outside the window restart the count.
	if !cb.lastFail.IsZero() && now.Sub(cb.lastFail) > cb.settings.FailureWindow {
		cb.failures = 0
	}
	cb.lastFail = now
	cb.failures++
	cb.successes = 0

	if cb.state == StateHalfOpen {
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(ctx, StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.settings.FailureThreshold {
		metrics.RecordCircuitBreakerTrip(cb.name, "threshold_exceeded")
		cb.transitionTo(ctx, StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenSuccess {
			cb.failures = 0
			cb.successes = 0
			cb.transitionTo(ctx, StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transitionTo updates state, metrics and the mirror. Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(ctx context.Context, newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.name, float64(newState))

	if cb.mirror != nil {
		// Best effort: the breaker must never be the sole cause of
		// unavailability, so mirror errors are swallowed.
		_ = cb.mirror.Publish(ctx, cb.name, newState, cb.settings.ResetTimeout*2)
	}
}
