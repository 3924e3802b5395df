package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	var retried []int

	err := New(
		WithMaxAttempts(3),
		WithSleep(noSleep),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }),
	).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("conflict"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustedBudget(t *testing.T) {
	cause := errors.New("still stale")
	calls := 0

	err := New(WithMaxAttempts(2), WithSleep(noSleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, cause)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("content gone")
	calls := 0

	err := New(WithMaxAttempts(5), WithSleep(noSleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, cause, err)
	assert.False(t, IsExhausted(err))
}

func TestDo_NonRetryableReturnedAsIs(t *testing.T) {
	cause := errors.New("boom")
	calls := 0

	err := New(WithMaxAttempts(5), WithSleep(noSleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return cause
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, cause, err)
}

func TestDo_RetryIfOverridesClassification(t *testing.T) {
	calls := 0
	err := New(
		WithMaxAttempts(3),
		WithSleep(noSleep),
		WithRetryIf(func(error) bool { return true }),
	).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("plain")
	})

	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
}

func TestDo_CancelledContextDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cause := errors.New("conflict")

	err := New(
		WithMaxAttempts(3),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	).Do(ctx, func(context.Context) error {
		return Retryable(cause)
	})

	assert.ErrorIs(t, err, cause)
	assert.False(t, IsExhausted(err))
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	r := New(
		WithInitialDelay(100*time.Millisecond),
		WithMaxDelay(350*time.Millisecond),
		WithMultiplier(2),
		WithJitter(0),
	)

	assert.Equal(t, 100*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, r.Backoff(3))
	assert.Equal(t, 350*time.Millisecond, r.Backoff(10))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	r := New(WithInitialDelay(time.Second), WithMaxDelay(time.Second), WithJitter(0.2))

	for i := 0; i < 50; i++ {
		d := r.Backoff(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestRecalculationRetrier_Defaults(t *testing.T) {
	r := RecalculationRetrier()
	assert.Equal(t, 4, r.MaxAttempts())

	r = RecalculationRetrier(WithMaxAttempts(2))
	assert.Equal(t, 2, r.MaxAttempts())
}
