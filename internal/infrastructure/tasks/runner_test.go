package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []map[string]interface{}
	errs    []error
}

func (r *recordingReporter) Report(_ context.Context, err error, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.reports = append(r.reports, fields)
}

func noSleep(context.Context, time.Duration) error { return nil }

func samplePayload() grades.ScoreChangeEvent {
	return grades.ScoreChangeEvent{
		UserID:       7,
		CourseID:     "course-v1:edX+DemoX+2024",
		UsageID:      "block-v1:edX+DemoX+2024+type@problem+block@p1",
		OnlyIfHigher: grades.BoolPtr(false),
		RawEarned:    1.0,
		RawPossible:  2.0,
		ScoreDeleted: false,
	}
}

func newTestRunner(h Handler, reporter ErrorReporter, dl DeadLetterStore, opts ...retry.Option) *Runner {
	return NewRunner(h, RunnerConfig{
		RetryOptions: append([]retry.Option{retry.WithSleep(noSleep)}, opts...),
		Reporter:     reporter,
		DeadLetters:  dl,
	})
}

func states(res Result) []State {
	out := []State{StatePending}
	for _, tr := range res.History {
		out = append(out, tr.To)
	}
	return out
}

func TestRunner_Succeeds(t *testing.T) {
	calls := 0
	r := newTestRunner(func(context.Context, Task) error { calls++; return nil }, nil, nil)

	res := r.Run(context.Background(), Task{Payload: samplePayload()})

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, []State{StatePending, StateRunning, StateSucceeded}, states(res))
}

func TestRunner_ConflictThenSuccessKeepsPayload(t *testing.T) {
	var seen []Task
	conflict := grades.NewConflictError(&grades.SubsectionGrade{UserID: 7}, errors.New("unique violation"))

	r := newTestRunner(func(_ context.Context, task Task) error {
		seen = append(seen, task)
		if len(seen) == 1 {
			return retry.Retryable(conflict)
		}
		return nil
	}, nil, nil)

	task := Task{ID: "t-1", Payload: samplePayload(), EnqueuedAt: time.Unix(1700000000, 0)}
	res := r.Run(context.Background(), task)

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t,
		[]State{StatePending, StateRunning, StateRetrying, StateRunning, StateSucceeded},
		states(res))

	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1], "retry carries the identical task")
	assert.Equal(t, samplePayload(), seen[1].Payload)
}

func TestRunner_ConflictWithoutRetryableWrapperIsStillRetried(t *testing.T) {
	calls := 0
	r := newTestRunner(func(context.Context, Task) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("write: %w", grades.NewConflictError(&grades.SubsectionGrade{}, nil))
		}
		return nil
	}, nil, nil)

	res := r.Run(context.Background(), Task{Payload: samplePayload()})
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 2, calls)
}

func TestRunner_ExhaustedBudgetIsReportedNotReturned(t *testing.T) {
	reporter := &recordingReporter{}
	dl := NewMemoryDeadLetters(10)
	calls := 0

	r := newTestRunner(func(context.Context, Task) error {
		calls++
		return retry.Retryable(shared.ErrScoreNotVisible)
	}, reporter, dl, retry.WithMaxAttempts(3))

	res := r.Run(context.Background(), Task{ID: "t-2", Payload: samplePayload()})

	assert.Equal(t, StateAbandoned, res.State)
	assert.Equal(t, ReasonRetryExhausted, res.Reason)
	assert.Equal(t, 3, calls)
	assert.True(t, retry.IsExhausted(res.Err))

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, "t-2", reporter.reports[0]["task_id"])
	assert.Equal(t, ReasonRetryExhausted, reporter.reports[0]["reason"])
	assert.ErrorIs(t, reporter.errs[0], shared.ErrStaleRead)

	entries := dl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, samplePayload(), entries[0].Payload)
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestRunner_ContentNotFoundAbandonsImmediately(t *testing.T) {
	reporter := &recordingReporter{}
	calls := 0
	r := newTestRunner(func(context.Context, Task) error {
		calls++
		return retry.Permanent(fmt.Errorf("%w: p9", shared.ErrContentNotFound))
	}, reporter, nil)

	res := r.Run(context.Background(), Task{Payload: samplePayload()})

	assert.Equal(t, 1, calls)
	assert.Equal(t, StateAbandoned, res.State)
	assert.Equal(t, ReasonContentNotFound, res.Reason)
	assert.Equal(t, []State{StatePending, StateRunning, StateAbandoned}, states(res))
	assert.Len(t, reporter.reports, 1)
}

func TestRunner_InvalidPayloadReason(t *testing.T) {
	r := newTestRunner(func(context.Context, Task) error {
		return retry.Permanent(fmt.Errorf("%w: user_id", shared.ErrInvalidScoreChange))
	}, nil, nil)

	res := r.Run(context.Background(), Task{Payload: grades.ScoreChangeEvent{}})
	assert.Equal(t, ReasonInvalidPayload, res.Reason)
}

func TestRunner_UnexpectedErrorAbandons(t *testing.T) {
	r := newTestRunner(func(context.Context, Task) error { return errors.New("disk on fire") }, nil, nil)

	res := r.Run(context.Background(), Task{Payload: samplePayload()})
	assert.Equal(t, StateAbandoned, res.State)
	assert.Equal(t, ReasonUnexpected, res.Reason)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunner_PanicIsAbandoned(t *testing.T) {
	r := newTestRunner(func(context.Context, Task) error { panic("nil map") }, nil, nil)

	res := r.Run(context.Background(), Task{Payload: samplePayload()})
	assert.Equal(t, StateAbandoned, res.State)
	assert.ErrorContains(t, res.Err, "nil map")
}

func TestRunner_CancelledContextLeavesTaskOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dl := NewMemoryDeadLetters(10)

	r := NewRunner(func(context.Context, Task) error {
		cancel()
		return retry.Retryable(shared.ErrConflict)
	}, RunnerConfig{
		DeadLetters: dl,
		RetryOptions: []retry.Option{retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		})},
	})

	res := r.Run(ctx, Task{Payload: samplePayload()})
	assert.False(t, res.State.IsTerminal())
	assert.Empty(t, dl.Entries())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateRunning))
	assert.True(t, CanTransition(StateRetrying, StateRunning))
	assert.False(t, CanTransition(StatePending, StateSucceeded))
	assert.False(t, CanTransition(StateSucceeded, StateRunning))
	assert.False(t, CanTransition(StateAbandoned, StateRetrying))
}

func TestMemoryDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryDeadLetters(2)
	base := time.Unix(1700000000, 0)

	require.NoError(t, q.Save(ctx, DeadLetter{ID: "a", Reason: ReasonRetryExhausted, FailedAt: base}))
	require.NoError(t, q.Save(ctx, DeadLetter{ID: "b", Reason: ReasonContentNotFound, FailedAt: base.Add(time.Second)}))
	require.NoError(t, q.Save(ctx, DeadLetter{ID: "c", Reason: ReasonRetryExhausted, FailedAt: base.Add(2 * time.Second)}))

	assert.Len(t, q.Entries(), 2, "oldest dropped")

	got, err := q.ListReplayable(ctx, ReplayFilter{Reason: ReasonRetryExhausted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	require.NoError(t, q.MarkReplayed(ctx, "c", base))
	got, _ = q.ListReplayable(ctx, ReplayFilter{Reason: ReasonRetryExhausted, Limit: 10})
	assert.Empty(t, got)
}
