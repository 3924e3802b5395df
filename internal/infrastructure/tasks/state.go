// Package tasks runs grade recalculation tasks: the attempt/retry state
// machine, the queues that deliver task payloads to workers, and the
// dead-letter record of abandoned tasks.
package tasks

import (
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateRetrying  State = "RETRYING"
	StateSucceeded State = "SUCCEEDED"
	StateAbandoned State = "ABANDONED"
)

var transitions = map[State][]State{
	StatePending:  {StateRunning},
	StateRunning:  {StateSucceeded, StateRetrying, StateAbandoned},
	StateRetrying: {StateRunning, StateAbandoned},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateAbandoned
}

// Transition records one state change.
type Transition struct {
	From    State
	To      State
	Attempt int
	At      time.Time
}

// RecalculateSubsectionGrade is the task name used in logs, metrics and the
// dead-letter table.
const RecalculateSubsectionGrade = "recalculate_subsection_grade"

// Task is one unit of work. Every attempt receives the same value.
type Task struct {
	ID         string                  `json:"task_id"`
	Name       string                  `json:"task"`
	Payload    grades.ScoreChangeEvent `json:"payload"`
	EnqueuedAt time.Time               `json:"enqueued_at"`

	// Replays counts how many dead-letter replays led to this task.
	Replays int `json:"replays,omitempty"`
}

// machine tracks a single run's state.
type machine struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StatePending, now: now}
}

func (m *machine) move(to State, attempt int) error {
	if !CanTransition(m.state, to) {
		return shared.WrapError("tasks", "Transition", shared.ErrStateTransition,
			"illegal task state change", fmt.Errorf("%s -> %s", m.state, to))
	}
	m.history = append(m.history, Transition{From: m.state, To: to, Attempt: attempt, At: m.now()})
	m.state = to
	return nil
}
