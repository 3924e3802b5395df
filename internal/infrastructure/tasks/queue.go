package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("tasks: queue closed")

// Queue accepts score change payloads for asynchronous recalculation.
type Queue interface {
	Enqueue(ctx context.Context, payload grades.ScoreChangeEvent) (string, error)
}

func newTask(payload grades.ScoreChangeEvent) Task {
	return Task{
		ID:         uuid.NewString(),
		Name:       RecalculateSubsectionGrade,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-PROCESS QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// MemoryQueueConfig configures a MemoryQueue.
type MemoryQueueConfig struct {
	Workers  int
	Capacity int
	Logger   *slog.Logger

	// DeadLetters receives tasks interrupted by shutdown. Without it they
	// are only logged.
	DeadLetters DeadLetterStore

	// OnResult is called after each run; tests use it to observe outcomes.
	OnResult func(Task, Result)
}

// DefaultMemoryQueueConfig returns defaults for a single-process worker.
func DefaultMemoryQueueConfig() MemoryQueueConfig {
	return MemoryQueueConfig{Workers: 4, Capacity: 1024}
}

// MemoryQueue feeds a Runner from a buffered channel.
type MemoryQueue struct {
	runner   *Runner
	tasks    chan Task
	workers  int
	onResult func(Task, Result)
	parked   DeadLetterStore
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMemoryQueue creates a queue. Call Start to begin processing.
func NewMemoryQueue(runner *Runner, config MemoryQueueConfig) *MemoryQueue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Capacity <= 0 {
		config.Capacity = 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &MemoryQueue{
		runner:   runner,
		tasks:    make(chan Task, config.Capacity),
		workers:  config.Workers,
		onResult: config.OnResult,
		parked:   config.DeadLetters,
		logger:   config.Logger.With("component", "memory_queue"),
	}
}

// Enqueue implements Queue. It blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, payload grades.ScoreChangeEvent) (string, error) {
	return q.enqueue(ctx, newTask(payload))
}

// Replay implements ReplayQueue.
func (q *MemoryQueue) Replay(ctx context.Context, dl DeadLetter) (string, error) {
	return q.enqueue(ctx, replayTask(dl))
}

func (q *MemoryQueue) enqueue(ctx context.Context, task Task) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		return task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start launches the workers.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.logger.Info("memory queue started", "workers", q.workers)
}

// Stop closes the queue, drains buffered tasks and waits for the workers.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if started {
		q.wg.Wait()
		q.cancel()
	}
	q.logger.Info("memory queue stopped")
}

func (q *MemoryQueue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	for task := range q.tasks {
		res := q.runner.Run(ctx, task)
		if q.onResult != nil {
			q.onResult(task, res)
		}
		if ctx.Err() != nil && !res.State.IsTerminal() {
			q.park(task, res, id)
		}
	}
}

// park dead-letters a task the queue stopped before it finished. Nothing
// redelivers it otherwise.
func (q *MemoryQueue) park(task Task, res Result, worker int) {
	log := q.logger.With("worker", worker, "task_id", task.ID)
	if q.parked == nil {
		log.Warn("dropping interrupted task")
		return
	}

	dl := DeadLetter{
		ID:       uuid.NewString(),
		TaskID:   task.ID,
		TaskName: task.Name,
		Payload:  task.Payload,
		Reason:   ReasonInterrupted,
		Attempts: res.Attempts,
		Replays:  task.Replays,
		FailedAt: time.Now().UTC(),
	}
	if res.Err != nil {
		dl.Error = res.Err.Error()
	}
	if err := q.parked.Save(context.Background(), dl); err != nil {
		log.Error("failed to dead-letter interrupted task", "error", err)
		return
	}
	log.Warn("interrupted task dead-lettered", "dead_letter_id", dl.ID)
}
