// Package jobs contains the grading worker's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY ABANDONED JOB
// ══════════════════════════════════════════════════════════════════════════════

// ReplayAbandonedConfig configures ReplayAbandonedJob.
type ReplayAbandonedConfig struct {
	// Reason selects which dead letters are replayed.
	Reason string

	// BatchSize caps entries per run.
	BatchSize int

	// MinAge skips entries that failed more recently than this.
	MinAge time.Duration

	// PerSecond limits the enqueue rate.
	PerSecond float64

	// MaxReplays retires a payload after it has been replayed this many
	// times and failed again. Zero replays without bound.
	MaxReplays int

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultReplayAbandonedConfig returns sensible defaults.
func DefaultReplayAbandonedConfig() ReplayAbandonedConfig {
	return ReplayAbandonedConfig{
		Reason:     tasks.ReasonRetryExhausted,
		BatchSize:  200,
		MinAge:     10 * time.Minute,
		PerSecond:  20,
		MaxReplays: 3,
	}
}

// ReplayStats summarises one run.
type ReplayStats struct {
	Listed   int
	Replayed int
	Skipped  int
}

// ReplayAbandonedJob re-enqueues dead-lettered recalculations with their
// original payload and marks them replayed. A replayed task that fails again
// comes back as a new dead letter one replay further along, so a payload
// that can never succeed stops after MaxReplays.
type ReplayAbandonedJob struct {
	store   tasks.DeadLetterStore
	queue   tasks.ReplayQueue
	config  ReplayAbandonedConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	last ReplayStats
}

// NewReplayAbandonedJob creates the job.
func NewReplayAbandonedJob(store tasks.DeadLetterStore, queue tasks.ReplayQueue, config ReplayAbandonedConfig) *ReplayAbandonedJob {
	def := DefaultReplayAbandonedConfig()
	if config.Reason == "" {
		config.Reason = def.Reason
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PerSecond <= 0 {
		config.PerSecond = def.PerSecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &ReplayAbandonedJob{
		store:   store,
		queue:   queue,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.PerSecond), 1),
		logger:  config.Logger.With("job", "replay_abandoned"),
	}
}

// Name implements scheduler.Job.
func (j *ReplayAbandonedJob) Name() string { return "replay_abandoned" }

// Description implements scheduler.Job.
func (j *ReplayAbandonedJob) Description() string {
	return fmt.Sprintf("re-enqueue dead-lettered recalculations abandoned with %s", j.config.Reason)
}

// Run implements scheduler.Job.
func (j *ReplayAbandonedJob) Run(ctx context.Context) error {
	stats, err := j.Replay(ctx)

	j.mu.Lock()
	j.last = stats
	j.mu.Unlock()

	return err
}

// LastStats returns the stats of the most recent run.
func (j *ReplayAbandonedJob) LastStats() ReplayStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Replay performs one pass. It stops at the first enqueue failure so the
// remaining entries stay replayable.
func (j *ReplayAbandonedJob) Replay(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats

	entries, err := j.store.ListReplayable(ctx, tasks.ReplayFilter{
		Reason:     j.config.Reason,
		MaxReplays: j.config.MaxReplays,
		Limit:      j.config.BatchSize,
	})
	if err != nil {
		return stats, fmt.Errorf("list dead letters: %w", err)
	}
	stats.Listed = len(entries)

	cutoff := j.config.Clock().Add(-j.config.MinAge)
	for _, dl := range entries {
		if dl.FailedAt.After(cutoff) {
			stats.Skipped++
			continue
		}

		if err := j.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		taskID, err := j.queue.Replay(ctx, dl)
		if err != nil {
			return stats, fmt.Errorf("enqueue dead letter %s: %w", dl.ID, err)
		}
		if err := j.store.MarkReplayed(ctx, dl.ID, j.config.Clock()); err != nil {
			// Recalculation is idempotent, so a duplicate replay is harmless.
			j.logger.Warn("failed to mark dead letter replayed", "dead_letter_id", dl.ID, "error", err)
		}
		stats.Replayed++

		j.logger.Info("dead letter replayed",
			"dead_letter_id", dl.ID,
			"original_task_id", dl.TaskID,
			"task_id", taskID,
			"replay", dl.Replays+1,
			"user_id", dl.Payload.UserID,
			"usage_id", dl.Payload.UsageID,
		)
	}

	return stats, nil
}
