// Package circuitbreaker guards calls to auxiliary dependencies (the shared
// structure cache, remote event fan-out, the ecommerce service) so the
// grading worker keeps running on its primary store while they are down.
//
// A breaker is closed until FailureThreshold consecutive failures, then open
// for Timeout, then half-open: up to MaxHalfOpenRequests probes are let
// through and SuccessThreshold consecutive successes close it again. Any
// failed probe reopens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

var (
	// ErrCircuitOpen is returned without calling fn while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejected reports whether err came from the breaker rather than from the
// guarded call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds circuit breaker settings.
type Config struct {
	// Name is reported to OnStateChange and used as a metric label.
	Name string

	FailureThreshold    int
	SuccessThreshold    int
	Timeout             time.Duration
	MaxHalfOpenRequests int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// IsFailure decides which errors count against the breaker. Nil counts
	// every non-nil error.
	IsFailure func(error) bool

	now func() time.Time
}

// DefaultConfig returns a breaker that opens after 5 failures for 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
		now:                 time.Now,
	}
}

// Option configures a breaker.
type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

// WithTimeout sets how long the breaker stays open before probing.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithMaxHalfOpenRequests(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxHalfOpenRequests = n
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) {
		c.IsFailure = fn
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.now = now
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// BREAKER
// ══════════════════════════════════════════════════════════════════════════════

// Counts are the request tallies of the current generation. They reset on
// every state change.
type Counts struct {
	Requests             int
	TotalSuccesses       int
	TotalFailures        int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	// generation changes on every transition. Results of calls admitted in
	// an earlier generation are dropped.
	generation uint64
	openedAt   time.Time
	inFlight   int
}

type transition struct {
	from, to State
}

// New creates a closed breaker.
func New(name string, opts ...Option) *CircuitBreaker {
	config := DefaultConfig(name)
	for _, opt := range opts {
		opt(&config)
	}
	return &CircuitBreaker{config: config}
}

// Execute calls fn if the breaker admits it and records the outcome. A
// rejected call returns ErrCircuitOpen or ErrTooManyRequests.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(generation, err)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var changed []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	changed = cb.refresh(cb.config.now())

	switch cb.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxHalfOpenRequests {
			return 0, ErrTooManyRequests
		}
	}
	cb.inFlight++
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(generation uint64, err error) {
	cb.mu.Lock()
	var changed []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	now := cb.config.now()
	changed = cb.refresh(now)
	if generation != cb.generation {
		return
	}
	cb.inFlight--

	if !cb.failed(err) {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			changed = append(changed, cb.setState(StateClosed, now))
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch {
	case cb.state == StateHalfOpen:
		changed = append(changed, cb.setState(StateOpen, now))
	case cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold:
		changed = append(changed, cb.setState(StateOpen, now))
	}
}

func (cb *CircuitBreaker) failed(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return true
}

// refresh moves an open breaker to half-open once its timeout has elapsed.
func (cb *CircuitBreaker) refresh(now time.Time) []transition {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.Timeout {
		return []transition{cb.setState(StateHalfOpen, now)}
	}
	return nil
}

func (cb *CircuitBreaker) setState(to State, now time.Time) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.generation++
	cb.counts = Counts{}
	cb.inFlight = 0
	if to == StateOpen {
		cb.openedAt = now
	}
	return t
}

func (cb *CircuitBreaker) notify(changed []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range changed {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}

// State returns the current state, moving open to half-open when due.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	changed := cb.refresh(cb.config.now())
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed)
	return state
}

// Counts returns the tallies of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker and clears its counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed []transition
	if cb.state != StateClosed {
		changed = append(changed, cb.setState(StateClosed, cb.config.now()))
	} else {
		cb.generation++
		cb.counts = Counts{}
		cb.inFlight = 0
	}
	cb.mu.Unlock()
	cb.notify(changed)
}

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// IsOpen reports whether calls are currently rejected outright.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESETS
// ══════════════════════════════════════════════════════════════════════════════

// CacheBreaker guards the shared structure cache. Every caller can rebuild
// the structure locally, so it opens after three failures.
func CacheBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(
		"structure-cache",
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithTimeout(15*time.Second),
		WithMaxHalfOpenRequests(1),
		WithOnStateChange(onStateChange),
	)
}

// EventBusBreaker guards remote event fan-out.
func EventBusBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(
		"event-bus",
		WithFailureThreshold(5),
		WithSuccessThreshold(1),
		WithTimeout(30*time.Second),
		WithMaxHalfOpenRequests(2),
		WithOnStateChange(onStateChange),
	)
}
