package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

type recordingQueue struct {
	payloads []grades.ScoreChangeEvent
	failAt   int
}

func (q *recordingQueue) Enqueue(_ context.Context, p grades.ScoreChangeEvent) (string, error) {
	if q.failAt > 0 && len(q.payloads)+1 == q.failAt {
		return "", errors.New("nats: no responders")
	}
	q.payloads = append(q.payloads, p)
	return "task", nil
}

func (q *recordingQueue) Replay(ctx context.Context, dl tasks.DeadLetter) (string, error) {
	return q.Enqueue(ctx, dl.Payload)
}

// inlineQueue runs replayed tasks to completion before returning.
type inlineQueue struct {
	runner *tasks.Runner
	runs   int
}

func (q *inlineQueue) Enqueue(ctx context.Context, p grades.ScoreChangeEvent) (string, error) {
	return q.Replay(ctx, tasks.DeadLetter{Payload: p, Replays: -1})
}

func (q *inlineQueue) Replay(ctx context.Context, dl tasks.DeadLetter) (string, error) {
	q.runs++
	task := tasks.Task{ID: fmt.Sprintf("replay-%d", q.runs), Payload: dl.Payload, Replays: dl.Replays + 1}
	q.runner.Run(ctx, task)
	return task.ID, nil
}

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func payload(user int64) grades.ScoreChangeEvent {
	return grades.ScoreChangeEvent{
		UserID:      user,
		CourseID:    "course-v1:edX+DemoX+2024",
		UsageID:     "block-v1:edX+DemoX+2024+type@problem+block@p1",
		RawEarned:   1,
		RawPossible: 1,
	}
}

func seed(t *testing.T) *tasks.MemoryDeadLetters {
	t.Helper()
	store := tasks.NewMemoryDeadLetters(10)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, tasks.DeadLetter{ID: "old-1", Payload: payload(1), Reason: tasks.ReasonRetryExhausted, FailedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.Save(ctx, tasks.DeadLetter{ID: "old-2", Payload: payload(2), Reason: tasks.ReasonRetryExhausted, FailedAt: now.Add(-30 * time.Minute)}))
	require.NoError(t, store.Save(ctx, tasks.DeadLetter{ID: "fresh", Payload: payload(3), Reason: tasks.ReasonRetryExhausted, FailedAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Save(ctx, tasks.DeadLetter{ID: "bad", Payload: payload(4), Reason: tasks.ReasonInvalidPayload, FailedAt: now.Add(-time.Hour)}))
	return store
}

func newJob(store tasks.DeadLetterStore, q tasks.ReplayQueue) *ReplayAbandonedJob {
	return NewReplayAbandonedJob(store, q, ReplayAbandonedConfig{
		MinAge:    10 * time.Minute,
		PerSecond: 1000,
		Clock:     func() time.Time { return now },
	})
}

func TestReplayAbandoned_ReplaysOldExhaustedEntries(t *testing.T) {
	store := seed(t)
	q := &recordingQueue{}
	job := newJob(store, q)

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, ReplayStats{Listed: 3, Replayed: 2, Skipped: 1}, job.LastStats())
	require.Len(t, q.payloads, 2)
	assert.Equal(t, payload(1), q.payloads[0])
	assert.Equal(t, payload(2), q.payloads[1])

	left, err := store.ListReplayable(context.Background(), tasks.ReplayFilter{Reason: tasks.ReasonRetryExhausted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ID)
}

func TestReplayAbandoned_StopsOnEnqueueFailure(t *testing.T) {
	store := seed(t)
	q := &recordingQueue{failAt: 2}
	job := newJob(store, q)

	stats, err := job.Replay(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, stats.Replayed)

	left, _ := store.ListReplayable(context.Background(), tasks.ReplayFilter{Reason: tasks.ReasonRetryExhausted, Limit: 10})
	assert.Len(t, left, 2, "failed entry stays replayable")
}

func TestReplayAbandoned_CancelledContext(t *testing.T) {
	store := seed(t)
	job := NewReplayAbandonedJob(store, &recordingQueue{}, ReplayAbandonedConfig{
		PerSecond: 0.001,
		Clock:     func() time.Time { return now },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := job.Replay(ctx)
	assert.Error(t, err)
}

func TestReplayAbandoned_RetiresPayloadAfterMaxReplays(t *testing.T) {
	clock := now
	tick := func() time.Time { return clock }
	ctx := context.Background()

	store := tasks.NewMemoryDeadLetters(100)
	runner := tasks.NewRunner(func(context.Context, tasks.Task) error {
		return retry.Retryable(shared.ErrConflict)
	}, tasks.RunnerConfig{
		RetryOptions: []retry.Option{retry.WithSleep(func(context.Context, time.Duration) error { return nil })},
		DeadLetters:  store,
		Clock:        tick,
	})
	runner.Run(ctx, tasks.Task{ID: "original", Payload: payload(1)})

	q := &inlineQueue{runner: runner}
	job := NewReplayAbandonedJob(store, q, ReplayAbandonedConfig{
		MinAge:     10 * time.Minute,
		PerSecond:  1000,
		MaxReplays: 3,
		Clock:      tick,
	})
	for i := 0; i < 20; i++ {
		clock = clock.Add(11 * time.Minute)
		_, err := job.Replay(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.runs)
	entries := store.Entries()
	require.Len(t, entries, 4)
	for i, dl := range entries {
		assert.Equal(t, i, dl.Replays)
	}

	left, err := store.ListReplayable(ctx, tasks.ReplayFilter{Reason: tasks.ReasonRetryExhausted, MaxReplays: 3})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestReplayAbandoned_Describes(t *testing.T) {
	job := newJob(tasks.NewMemoryDeadLetters(1), &recordingQueue{})
	assert.Equal(t, "replay_abandoned", job.Name())
	assert.Contains(t, job.Description(), tasks.ReasonRetryExhausted)
}
