package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

// Abandon reasons.
const (
	ReasonContentNotFound = "content_not_found"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonRetryExhausted  = "retry_budget_exhausted"
	ReasonUnexpected      = "unexpected_error"

	// ReasonInterrupted marks tasks a stopping MemoryQueue could not finish.
	ReasonInterrupted = "interrupted"
)

// DeadLetter records an abandoned task with its original payload.
type DeadLetter struct {
	ID         string                  `json:"id"`
	TaskID     string                  `json:"task_id"`
	TaskName   string                  `json:"task"`
	Payload    grades.ScoreChangeEvent `json:"payload"`
	Reason     string                  `json:"reason"`
	Error      string                  `json:"error"`
	Attempts   int                     `json:"attempts"`
	Replays    int                     `json:"replays"`
	FailedAt   time.Time               `json:"failed_at"`
	ReplayedAt *time.Time              `json:"replayed_at,omitempty"`
}

// ReplayFilter selects unreplayed dead letters.
type ReplayFilter struct {
	// Reason matches exactly; empty matches every reason.
	Reason string

	// MaxReplays excludes entries already replayed this many times. Zero
	// means no bound.
	MaxReplays int

	Limit int
}

func (f ReplayFilter) matches(dl DeadLetter) bool {
	return dl.ReplayedAt == nil &&
		(f.Reason == "" || dl.Reason == f.Reason) &&
		(f.MaxReplays <= 0 || dl.Replays < f.MaxReplays)
}

// DeadLetterStore persists abandoned tasks.
type DeadLetterStore interface {
	Save(ctx context.Context, dl DeadLetter) error

	// ListReplayable returns entries matching filter, oldest first.
	ListReplayable(ctx context.Context, filter ReplayFilter) ([]DeadLetter, error)

	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// ReplayQueue is a Queue that can also re-enqueue a dead letter. The new
// task carries the dead letter's replay count plus one.
type ReplayQueue interface {
	Queue
	Replay(ctx context.Context, dl DeadLetter) (string, error)
}

// replayTask builds the task that replays dl.
func replayTask(dl DeadLetter) Task {
	t := newTask(dl.Payload)
	t.Replays = dl.Replays + 1
	return t
}

// MemoryDeadLetters is a bounded in-process DeadLetterStore. The oldest entry
// is dropped once maxSize is reached.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []DeadLetter
	maxSize int
}

// NewMemoryDeadLetters creates a store holding at most maxSize entries.
func NewMemoryDeadLetters(maxSize int) *MemoryDeadLetters {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryDeadLetters{maxSize: maxSize}
}

// Save implements DeadLetterStore.
func (q *MemoryDeadLetters) Save(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, dl)
	return nil
}

// ListReplayable implements DeadLetterStore.
func (q *MemoryDeadLetters) ListReplayable(_ context.Context, filter ReplayFilter) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []DeadLetter
	for _, e := range q.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkReplayed implements DeadLetterStore.
func (q *MemoryDeadLetters) MarkReplayed(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID == id {
			t := at
			q.entries[i].ReplayedAt = &t
		}
	}
	return nil
}

// Entries returns a copy of all entries.
func (q *MemoryDeadLetters) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.entries...)
}
