// Package retry runs operations under a bounded attempt budget with
// exponential backoff and jitter. The grading task runner, the ecommerce
// client and database dial-up share it.
//
// Errors are classified by wrapping: Retryable marks a transient failure,
// Permanent stops the loop at once. Unmarked errors are returned as they are
// unless a RetryIf predicate says otherwise. The outermost mark wins.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLASSIFICATION
// ══════════════════════════════════════════════════════════════════════════════

type classified struct {
	err       error
	permanent bool
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Retryable marks err as transient. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err}
}

// Permanent marks err as not worth repeating. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, permanent: true}
}

func classify(err error) (c *classified, ok bool) {
	ok = errors.As(err, &c)
	return c, ok
}

func IsRetryable(err error) bool {
	c, ok := classify(err)
	return ok && !c.permanent
}

func IsPermanent(err error) bool {
	c, ok := classify(err)
	return ok && c.permanent
}

// strip removes the outermost mark so callers see the original error.
func strip(err error) error {
	if c, ok := err.(*classified); ok {
		return c.err
	}
	return err
}

// ExhaustedError is returned when the last allowed attempt still failed with
// a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// DelayHinter is implemented by errors that carry a server-requested wait,
// such as an HTTP 429 with Retry-After. The hint raises the next delay but
// never past MaxDelay.
type DelayHinter interface {
	RetryDelay() time.Duration
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the retry policy.
type Config struct {
	// MaxAttempts counts the first call. Default 3.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor spreads each delay uniformly over ±factor of itself.
	JitterFactor float64

	// RetryIf replaces the Retryable check for unmarked errors.
	RetryIf func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for delay or until ctx is done.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// DefaultConfig returns 3 attempts starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		Sleep:        sleepContext,
	}
}

type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.InitialDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.MaxDelay = d
		}
	}
}

// WithMultiplier ignores values below 1.
func WithMultiplier(m float64) Option {
	return func(c *Config) {
		if m >= 1.0 {
			c.Multiplier = m
		}
	}
}

// WithJitter accepts factors in [0, 1].
func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1.0 {
			c.JitterFactor = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) {
		c.RetryIf = fn
	}
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) {
		c.OnRetry = fn
	}
}

// WithSleep replaces the wait between attempts. Tests use it to run without
// real delays.
func WithSleep(fn func(ctx context.Context, delay time.Duration) error) Option {
	return func(c *Config) {
		if fn != nil {
			c.Sleep = fn
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRIER
// ══════════════════════════════════════════════════════════════════════════════

// Retrier is immutable and safe for concurrent use.
type Retrier struct {
	config Config
}

func New(opts ...Option) *Retrier {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Retrier{config: config}
}

func (r *Retrier) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Do calls operation until it succeeds, fails with an error that is not
// retried, or the budget runs out.
//
//   - Permanent errors are returned without their mark.
//   - Errors that are not retried are returned as is.
//   - A retryable failure of the last attempt becomes *ExhaustedError.
//   - Cancellation while waiting returns the last operation error.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := operation(ctx)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return strip(err)
		case !r.retries(err):
			return err
		case attempt >= r.config.MaxAttempts:
			return &ExhaustedError{Attempts: attempt, Err: strip(err)}
		}
		lastErr = err

		delay := r.delayAfter(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		if r.config.Sleep(ctx, delay) != nil {
			return lastErr
		}
	}
}

func (r *Retrier) retries(err error) bool {
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsRetryable(err)
}

func (r *Retrier) delayAfter(attempt int, err error) time.Duration {
	delay := r.Backoff(attempt)
	var hint DelayHinter
	if errors.As(err, &hint) {
		if h := min(hint.RetryDelay(), r.config.MaxDelay); h > delay {
			delay = h
		}
	}
	return delay
}

// Backoff returns the jittered delay that follows failed attempt n:
// InitialDelay·Multiplier^(n-1), capped at MaxDelay before jitter.
func (r *Retrier) Backoff(attempt int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	base = math.Min(base, float64(r.config.MaxDelay))

	if j := r.config.JitterFactor; j > 0 {
		base *= 1 + j*(2*rand.Float64()-1)
	}
	return time.Duration(math.Max(base, 0))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICIES
// ══════════════════════════════════════════════════════════════════════════════

// RecalculationRetrier is the grade recalculation policy: the first attempt
// plus three retries, 2s doubling to at most 30s.
func RecalculationRetrier(opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(4),
		WithInitialDelay(2 * time.Second),
		WithMaxDelay(30 * time.Second),
		WithMultiplier(2.0),
		WithJitter(0.1),
	}
	return New(append(base, opts...)...)
}

// DatabaseRetrier retries every error for a few hundred milliseconds while a
// database finishes starting.
func DatabaseRetrier() *Retrier {
	return New(
		WithMaxAttempts(3),
		WithInitialDelay(50*time.Millisecond),
		WithMaxDelay(time.Second),
		WithJitter(0.05),
		WithRetryIf(func(error) bool { return true }),
	)
}
