package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
)

// DeadLetterRepository implements tasks.DeadLetterStore.
type DeadLetterRepository struct {
	conn *Connection
}

// NewDeadLetterRepository creates a new DeadLetterRepository.
func NewDeadLetterRepository(conn *Connection) *DeadLetterRepository {
	return &DeadLetterRepository{conn: conn}
}

// Save implements tasks.DeadLetterStore.
func (r *DeadLetterRepository) Save(ctx context.Context, dl tasks.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO task_dead_letters (id, task_id, task_name, payload, reason, error, attempts, replays, failed_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dl.ID, dl.TaskID, dl.TaskName, payload, dl.Reason, dl.Error, dl.Attempts, dl.Replays, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListReplayable implements tasks.DeadLetterStore.
func (r *DeadLetterRepository) ListReplayable(ctx context.Context, filter tasks.ReplayFilter) ([]tasks.DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn.Query(ctx, `
		SELECT id::text, task_id, task_name, payload, reason, error, attempts, replays, failed_at
		FROM task_dead_letters
		WHERE replayed_at IS NULL
		  AND ($1::text = '' OR reason = $1::text)
		  AND ($2::int <= 0 OR replays < $2::int)
		ORDER BY failed_at
		LIMIT $3`,
		filter.Reason, filter.MaxReplays, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []tasks.DeadLetter
	for rows.Next() {
		var dl tasks.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.TaskName, &payload, &dl.Reason, &dl.Error, &dl.Attempts, &dl.Replays, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payload, &dl.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkReplayed implements tasks.DeadLetterStore.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	_, err := r.conn.Exec(ctx, `UPDATE task_dead_letters SET replayed_at = $2 WHERE id = $1::uuid`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	return nil
}
