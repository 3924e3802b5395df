package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("t", WithFailureThreshold(3))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State(), "a success resets the streak")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejected(err))
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := New("t",
		WithFailureThreshold(1),
		WithSuccessThreshold(2),
		WithTimeout(10*time.Second),
		WithMaxHalfOpenRequests(2),
		WithClock(clk.now),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.True(t, cb.IsOpen())

	clk.advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	cb := New("t", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clk.now))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.advance(time.Second)
	_ = cb.Execute(ctx, fail)
	assert.True(t, cb.IsOpen())

	clk.advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen, "timeout restarts on reopen")
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	cb := New("t", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clk.now))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
}

func TestBreaker_StaleResultsIgnored(t *testing.T) {
	cb := New("t", WithFailureThreshold(1))
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return errBoom
		})
	}()
	<-started

	cb.Reset()
	close(release)
	<-done

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().TotalFailures)
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	cb := New("t",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, context.Canceled) }),
	)

	assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Counts().TotalSuccesses)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, "structure-cache", CacheBreaker(nil).Name())
	assert.Equal(t, "event-bus", EventBusBreaker(nil).Name())
}
