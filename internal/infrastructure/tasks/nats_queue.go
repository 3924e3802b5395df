package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

// ══════════════════════════════════════════════════════════════════════════════
// JETSTREAM QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// NATSQueueConfig configures a NATSQueue.
type NATSQueueConfig struct {
	StreamName   string
	Subject      string
	Durable      string
	AckWait      time.Duration
	MaxDeliver   int
	BatchSize    int
	FetchTimeout time.Duration
	RetryBackoff time.Duration
	Logger       *slog.Logger

	// OnResult is called after each delivered task is run.
	OnResult func(Task, Result)
}

// DefaultNATSQueueConfig returns the production stream layout.
func DefaultNATSQueueConfig() NATSQueueConfig {
	return NATSQueueConfig{
		StreamName:   "GRADES",
		Subject:      "grades.recalculate_subsection",
		Durable:      "grades-recalculator",
		AckWait:      5 * time.Minute,
		MaxDeliver:   5,
		BatchSize:    16,
		FetchTimeout: 5 * time.Second,
		RetryBackoff: time.Second,
	}
}

// NATSQueue publishes tasks to a JetStream stream and runs them from a
// durable pull consumer. Tasks that reach a terminal state are acked;
// interrupted tasks are nacked for redelivery with their original payload.
type NATSQueue struct {
	js     jetstream.JetStream
	runner *Runner
	config NATSQueueConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNATSQueue creates the stream if it does not exist.
func NewNATSQueue(ctx context.Context, nc *nats.Conn, runner *Runner, config NATSQueueConfig) (*NATSQueue, error) {
	def := DefaultNATSQueueConfig()
	if config.StreamName == "" {
		config.StreamName = def.StreamName
	}
	if config.Subject == "" {
		config.Subject = def.Subject
	}
	if config.Durable == "" {
		config.Durable = def.Durable
	}
	if config.AckWait <= 0 {
		config.AckWait = def.AckWait
	}
	if config.MaxDeliver == 0 {
		config.MaxDeliver = def.MaxDeliver
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", config.StreamName, err)
	}

	return &NATSQueue{
		js:     js,
		runner: runner,
		config: config,
		logger: config.Logger.With("component", "nats_queue", "stream", config.StreamName),
	}, nil
}

// Enqueue implements Queue. The task ID doubles as the JetStream message ID
// so duplicate publishes within the dedup window collapse.
func (q *NATSQueue) Enqueue(ctx context.Context, payload grades.ScoreChangeEvent) (string, error) {
	return q.publish(ctx, newTask(payload))
}

// Replay implements ReplayQueue.
func (q *NATSQueue) Replay(ctx context.Context, dl DeadLetter) (string, error) {
	return q.publish(ctx, replayTask(dl))
}

func (q *NATSQueue) publish(ctx context.Context, task Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	if _, err := q.js.Publish(ctx, q.config.Subject, data, jetstream.WithMsgID(task.ID)); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}
	return task.ID, nil
}

// Start creates the durable consumer and begins the pull loop.
func (q *NATSQueue) Start(ctx context.Context) error {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.config.StreamName, jetstream.ConsumerConfig{
		Name:          q.config.Durable,
		Durable:       q.config.Durable,
		FilterSubject: q.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxDeliver:    q.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", q.config.Durable, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return nil
	}

	pullCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.pull(pullCtx, cons)

	q.logger.Info("nats queue started", "durable", q.config.Durable, "subject", q.config.Subject)
	return nil
}

// Stop ends the pull loop and waits for the in-flight task.
func (q *NATSQueue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	q.logger.Info("nats queue stopped")
}

func (q *NATSQueue) pull(ctx context.Context, cons jetstream.Consumer) {
	defer close(q.done)

	for ctx.Err() == nil {
		iter, err := cons.Messages(
			jetstream.PullMaxMessages(q.config.BatchSize),
			jetstream.PullExpiry(q.config.FetchTimeout),
			jetstream.PullHeartbeat(q.config.FetchTimeout/2),
		)
		if err != nil {
			q.logger.Error("failed to create message iterator", "error", err)
			if !q.wait(ctx) {
				return
			}
			continue
		}

		q.drain(ctx, iter)
		iter.Stop()
	}
}

func (q *NATSQueue) drain(ctx context.Context, iter jetstream.MessagesContext) {
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	for {
		msg, err := iter.Next()
		if err != nil {
			switch {
			case errors.Is(err, jetstream.ErrMsgIteratorClosed),
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
			case errors.Is(err, jetstream.ErrNoHeartbeat):
				q.logger.Error("no heartbeat received from server", "error", err)
			default:
				q.logger.Warn("error fetching next message", "error", err)
				q.wait(ctx)
			}
			return
		}
		q.handle(ctx, msg)
	}
}

func (q *NATSQueue) handle(ctx context.Context, msg jetstream.Msg) {
	var task Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		q.logger.Error("undecodable task, terminating message", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	res := q.runner.Run(ctx, task)
	if q.config.OnResult != nil {
		q.config.OnResult(task, res)
	}

	if res.State.IsTerminal() {
		if err := msg.Ack(); err != nil {
			q.logger.Warn("failed to ack task", "task_id", task.ID, "error", err)
		}
		return
	}
	_ = msg.Nak()
}

func (q *NATSQueue) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(q.config.RetryBackoff):
		return true
	}
}
