// Package eventhandler contains domain event handlers.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PROBLEM SCORE CHANGED
// Turns every persisted problem score change into a subsection
// recalculation task. The payload is captured here, once; retries reuse it.
// ═══════════════════════════════════════════════════════════════════════════

// TaskQueue accepts recalculation payloads.
type TaskQueue interface {
	Enqueue(ctx context.Context, payload grades.ScoreChangeEvent) (string, error)
}

// OnProblemScoreChangedHandler enqueues recalculation tasks.
type OnProblemScoreChangedHandler struct {
	queue          TaskQueue
	enqueueTimeout time.Duration
	logger         *slog.Logger
}

// NewOnProblemScoreChangedHandler creates the handler.
func NewOnProblemScoreChangedHandler(queue TaskQueue, logger *slog.Logger) *OnProblemScoreChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnProblemScoreChangedHandler{
		queue:          queue,
		enqueueTimeout: 5 * time.Second,
		logger:         logger.With("handler", "on_problem_score_changed"),
	}
}

// Handle implements shared.EventHandler.
func (h *OnProblemScoreChangedHandler) Handle(event shared.Event) error {
	var e shared.ProblemScoreChangedEvent
	switch v := event.(type) {
	case shared.ProblemScoreChangedEvent:
		e = v
	case *shared.ProblemScoreChangedEvent:
		e = *v
	default:
		if err := shared.DecodePayload(event, &e); err != nil {
			h.logger.Warn("dropping undecodable score change", "event_type", event.EventType(), "error", err)
			return nil
		}
	}

	payload := grades.FromProblemScoreChanged(e)

	ctx, cancel := context.WithTimeout(context.Background(), h.enqueueTimeout)
	defer cancel()

	taskID, err := h.queue.Enqueue(ctx, payload)
	if err != nil {
		return fmt.Errorf("enqueue recalculation for %s: %w", payload, err)
	}

	h.logger.Debug("recalculation enqueued",
		"task_id", taskID,
		"user_id", payload.UserID,
		"usage_id", payload.UsageID,
		"only_if_higher", payload.OnlyIfHigher != nil && *payload.OnlyIfHigher,
		"score_deleted", payload.ScoreDeleted,
	)
	return nil
}
