package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

type resultSink struct {
	mu      sync.Mutex
	results map[string]Result
	tasks   map[string]Task
	done    chan string
}

func newResultSink() *resultSink {
	return &resultSink{
		results: make(map[string]Result),
		tasks:   make(map[string]Task),
		done:    make(chan string, 64),
	}
}

func (s *resultSink) record(task Task, res Result) {
	s.mu.Lock()
	s.results[task.ID] = res
	s.tasks[task.ID] = task
	s.mu.Unlock()
	s.done <- task.ID
}

func (s *resultSink) await(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for task %d of %d", i+1, n)
		}
	}
}

func TestMemoryQueue_RunsEnqueuedTasks(t *testing.T) {
	var calls atomic.Int32
	runner := newTestRunner(func(context.Context, Task) error {
		if calls.Add(1) == 1 {
			return retry.Retryable(shared.ErrConflict)
		}
		return nil
	}, nil, nil)

	sink := newResultSink()
	q := NewMemoryQueue(runner, MemoryQueueConfig{Workers: 1, OnResult: sink.record})
	q.Start(context.Background())
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), samplePayload())
	require.NoError(t, err)
	sink.await(t, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, StateSucceeded, sink.results[id].State)
	assert.Equal(t, 2, sink.results[id].Attempts)
	assert.Equal(t, samplePayload(), sink.tasks[id].Payload)
}

func TestMemoryQueue_EnqueueAfterStop(t *testing.T) {
	q := NewMemoryQueue(newTestRunner(func(context.Context, Task) error { return nil }, nil, nil), DefaultMemoryQueueConfig())
	q.Start(context.Background())
	q.Stop()

	_, err := q.Enqueue(context.Background(), samplePayload())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_ReplayCarriesCount(t *testing.T) {
	dl := NewMemoryDeadLetters(10)
	runner := newTestRunner(func(context.Context, Task) error {
		return retry.Permanent(shared.ErrInvalidScoreChange)
	}, nil, dl)

	sink := newResultSink()
	q := NewMemoryQueue(runner, MemoryQueueConfig{Workers: 1, OnResult: sink.record})
	q.Start(context.Background())
	defer q.Stop()

	id, err := q.Replay(context.Background(), DeadLetter{ID: "prior", Payload: samplePayload(), Replays: 1})
	require.NoError(t, err)
	sink.await(t, 1)

	sink.mu.Lock()
	assert.Equal(t, 2, sink.tasks[id].Replays)
	assert.Equal(t, samplePayload(), sink.tasks[id].Payload)
	sink.mu.Unlock()

	entries := dl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Replays, "a failed replay is dead-lettered one replay further along")
}

func TestMemoryQueue_InterruptedTasksAreDeadLettered(t *testing.T) {
	dl := NewMemoryDeadLetters(10)
	sink := newResultSink()
	q := NewMemoryQueue(newTestRunner(func(context.Context, Task) error { return nil }, nil, dl),
		MemoryQueueConfig{Workers: 1, DeadLetters: dl, OnResult: sink.record})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	id, err := q.Enqueue(context.Background(), samplePayload())
	require.NoError(t, err)
	sink.await(t, 1)
	q.Stop()

	entries := dl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].TaskID)
	assert.Equal(t, ReasonInterrupted, entries[0].Reason)
	assert.Equal(t, samplePayload(), entries[0].Payload)
}

func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return nc
}

func TestNATSQueue_DeliversAndAcks(t *testing.T) {
	nc := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var calls atomic.Int32
	dl := NewMemoryDeadLetters(10)
	runner := newTestRunner(func(_ context.Context, task Task) error {
		calls.Add(1)
		if task.Payload.RawEarned < 0 {
			return retry.Permanent(shared.ErrInvalidScoreChange)
		}
		return nil
	}, nil, dl)

	sink := newResultSink()
	config := DefaultNATSQueueConfig()
	config.FetchTimeout = time.Second
	config.OnResult = sink.record

	q, err := NewNATSQueue(ctx, nc, runner, config)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	good, err := q.Enqueue(ctx, samplePayload())
	require.NoError(t, err)

	bad := samplePayload()
	bad.RawEarned = -1
	badID, err := q.Enqueue(ctx, bad)
	require.NoError(t, err)

	sink.await(t, 2)

	sink.mu.Lock()
	assert.Equal(t, StateSucceeded, sink.results[good].State)
	assert.Equal(t, StateAbandoned, sink.results[badID].State)
	assert.Equal(t, samplePayload(), sink.tasks[good].Payload)
	sink.mu.Unlock()

	assert.Len(t, dl.Entries(), 1)
	assert.Equal(t, int32(2), calls.Load())

	// Acked work is removed from the work-queue stream.
	require.Eventually(t, func() bool {
		stream, err := q.js.Stream(ctx, config.StreamName)
		if err != nil {
			return false
		}
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 50*time.Millisecond)
}
