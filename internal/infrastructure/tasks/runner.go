package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

// Handler runs one attempt of a task.
type Handler func(ctx context.Context, task Task) error

// ErrorReporter receives abandoned tasks. Reports never flow back to the
// event source.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields map[string]interface{})
}

// Metrics observes the state machine.
type Metrics interface {
	ObserveTransition(task, from, to string)
	ObserveAttempt(task, outcome string, duration time.Duration)
	ObserveRun(task, state string, attempts int)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) ObserveTransition(string, string, string)     {}
func (NopMetrics) ObserveAttempt(string, string, time.Duration) {}
func (NopMetrics) ObserveRun(string, string, int)               {}

// ══════════════════════════════════════════════════════════════════════════════
// RUNNER
// ══════════════════════════════════════════════════════════════════════════════

// Result is the outcome of Runner.Run.
type Result struct {
	TaskID   string
	State    State
	Attempts int
	Reason   string
	Err      error
	History  []Transition
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// RetryOptions adjust retry.RecalculationRetrier.
	RetryOptions []retry.Option

	Reporter    ErrorReporter
	DeadLetters DeadLetterStore
	Metrics     Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Runner drives a task through PENDING, RUNNING, RETRYING and a terminal
// state. It is safe for concurrent use.
type Runner struct {
	handler     Handler
	retryOpts   []retry.Option
	reporter    ErrorReporter
	deadLetters DeadLetterStore
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner creates a Runner around handler.
func NewRunner(handler Handler, config RunnerConfig) *Runner {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = NopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	if config.DeadLetters == nil {
		config.DeadLetters = NewMemoryDeadLetters(0)
	}

	return &Runner{
		handler:     handler,
		retryOpts:   config.RetryOptions,
		reporter:    config.Reporter,
		deadLetters: config.DeadLetters,
		metrics:     config.Metrics,
		logger:      config.Logger.With("component", "task_runner"),
		now:         config.Clock,
	}
}

// IsTransient classifies errors that earn another attempt.
func IsTransient(err error) bool {
	return retry.IsRetryable(err) || shared.IsRetryable(err)
}

// Run executes task until it succeeds, is abandoned, or ctx ends. A
// cancelled context leaves the task non-terminal so the transport can
// redeliver it.
func (r *Runner) Run(ctx context.Context, task Task) Result {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		task.Name = RecalculateSubsectionGrade
	}

	log := r.logger.With("task_id", task.ID, "task", task.Name, "user_id", task.Payload.UserID,
		"course_id", task.Payload.CourseID, "usage_id", task.Payload.UsageID)
	m := newMachine(r.now)
	attempts := 0

	move := func(to State) {
		from := m.state
		if err := m.move(to, attempts); err != nil {
			log.Error("task state machine violation", "error", err)
			return
		}
		r.metrics.ObserveTransition(task.Name, string(from), string(to))
		log.Debug("task state changed", "from", from, "to", to, "attempt", attempts)
	}

	opts := append([]retry.Option{
		retry.WithRetryIf(IsTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			move(StateRetrying)
			log.Warn("task attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}),
	}, r.retryOpts...)

	err := retry.RecalculationRetrier(opts...).Do(ctx, func(ctx context.Context) error {
		attempts++
		move(StateRunning)

		start := time.Now()
		err := r.attempt(ctx, task)
		r.metrics.ObserveAttempt(task.Name, attemptOutcome(err), time.Since(start))
		return err
	})

	res := Result{TaskID: task.ID, Attempts: attempts}

	switch {
	case err == nil:
		move(StateSucceeded)
		log.Info("task succeeded", "attempts", attempts)

	case ctx.Err() != nil && !retry.IsExhausted(err) && (IsTransient(err) || errors.Is(err, ctx.Err())):
		res.Err = err
		log.Warn("task interrupted", "attempts", attempts, "error", err)

	default:
		res.Reason = abandonReason(err)
		res.Err = err
		if m.state == StatePending {
			move(StateRunning)
		}
		move(StateAbandoned)
		r.abandon(ctx, task, res, log)
	}

	res.State = m.state
	res.History = m.history
	r.metrics.ObserveRun(task.Name, string(res.State), attempts)
	return res
}

func (r *Runner) attempt(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panic recovered", "task_id", task.ID, "panic", p, "stack", string(debug.Stack()))
			err = retry.Permanent(fmt.Errorf("task panic: %v", p))
		}
	}()
	return r.handler(ctx, task)
}

func (r *Runner) abandon(ctx context.Context, task Task, res Result, log *slog.Logger) {
	log.Error("task abandoned", "reason", res.Reason, "attempts", res.Attempts, "error", res.Err)

	// The context may already be done; persistence of the failure should not be.
	bg := context.WithoutCancel(ctx)

	dl := DeadLetter{
		ID:       uuid.NewString(),
		TaskID:   task.ID,
		TaskName: task.Name,
		Payload:  task.Payload,
		Reason:   res.Reason,
		Error:    res.Err.Error(),
		Attempts: res.Attempts,
		Replays:  task.Replays,
		FailedAt: r.now(),
	}
	if err := r.deadLetters.Save(bg, dl); err != nil {
		log.Error("failed to record dead letter", "error", err)
	}

	if r.reporter != nil {
		r.reporter.Report(bg, res.Err, map[string]interface{}{
			"task_id":        task.ID,
			"task":           task.Name,
			"reason":         res.Reason,
			"attempts":       res.Attempts,
			"user_id":        task.Payload.UserID,
			"course_id":      task.Payload.CourseID,
			"usage_id":       task.Payload.UsageID,
			"raw_earned":     task.Payload.RawEarned,
			"raw_possible":   task.Payload.RawPossible,
			"only_if_higher": task.Payload.OnlyIfHigher,
			"score_deleted":  task.Payload.ScoreDeleted,
		})
	}
}

func abandonReason(err error) string {
	switch {
	case retry.IsExhausted(err):
		return ReasonRetryExhausted
	case errors.Is(err, shared.ErrContentNotFound):
		return ReasonContentNotFound
	case shared.IsValidation(err):
		return ReasonInvalidPayload
	default:
		return ReasonUnexpected
	}
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}
