package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// Raised by the scoring pipeline after a problem score is persisted.
	EventProblemScoreChanged EventType = "grades.problem_score_changed"

	// Raised after a subsection grade is persisted and verified.
	EventSubsectionScoreChanged EventType = "grades.subsection_score_changed"

	// Raised after the course grade is recomputed.
	EventCourseGradeChanged EventType = "grades.course_grade_changed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// gradeAggregateID keys grade events by learner and course.
func gradeAggregateID(userID int64, courseID string) string {
	return fmt.Sprintf("%d:%s", userID, courseID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Grade Events
// ═══════════════════════════════════════════════════════════════════════════

// ProblemScoreChangedEvent is emitted when a learner's score on a problem changes.
type ProblemScoreChangedEvent struct {
	BaseEvent
	UserID         int64   `json:"user_id"`
	CourseID       string  `json:"course_id"`
	UsageID        string  `json:"usage_id"`
	PointsEarned   float64 `json:"points_earned"`
	PointsPossible float64 `json:"points_possible"`
	OnlyIfHigher   *bool   `json:"only_if_higher,omitempty"`
	ScoreDeleted   bool    `json:"score_deleted"`
}

// Payload implements Event interface.
func (e ProblemScoreChangedEvent) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"user_id":         e.UserID,
		"course_id":       e.CourseID,
		"usage_id":        e.UsageID,
		"points_earned":   e.PointsEarned,
		"points_possible": e.PointsPossible,
		"score_deleted":   e.ScoreDeleted,
	}
	if e.OnlyIfHigher != nil {
		p["only_if_higher"] = *e.OnlyIfHigher
	}
	return p
}

// NewProblemScoreChangedEvent creates a new ProblemScoreChangedEvent.
func NewProblemScoreChangedEvent(userID int64, courseID, usageID string, earned, possible float64, onlyIfHigher *bool) ProblemScoreChangedEvent {
	return ProblemScoreChangedEvent{
		BaseEvent:      NewBaseEvent(EventProblemScoreChanged, gradeAggregateID(userID, courseID)),
		UserID:         userID,
		CourseID:       courseID,
		UsageID:        usageID,
		PointsEarned:   earned,
		PointsPossible: possible,
		OnlyIfHigher:   onlyIfHigher,
	}
}

// SubsectionScoreChangedEvent is emitted once a recalculated subsection grade
// has been persisted and read back.
type SubsectionScoreChangedEvent struct {
	BaseEvent
	UserID       int64   `json:"user_id"`
	CourseID     string  `json:"course_id"`
	SubsectionID string  `json:"subsection_id"`
	Earned       float64 `json:"earned"`
	Possible     float64 `json:"possible"`
}

// Payload implements Event interface.
func (e SubsectionScoreChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":       e.UserID,
		"course_id":     e.CourseID,
		"subsection_id": e.SubsectionID,
		"earned":        e.Earned,
		"possible":      e.Possible,
	}
}

// NewSubsectionScoreChangedEvent creates a new SubsectionScoreChangedEvent.
func NewSubsectionScoreChangedEvent(userID int64, courseID, subsectionID string, earned, possible float64) SubsectionScoreChangedEvent {
	return SubsectionScoreChangedEvent{
		BaseEvent:    NewBaseEvent(EventSubsectionScoreChanged, gradeAggregateID(userID, courseID)),
		UserID:       userID,
		CourseID:     courseID,
		SubsectionID: subsectionID,
		Earned:       earned,
		Possible:     possible,
	}
}

// CourseGradeChangedEvent is emitted after the course grade is recomputed.
type CourseGradeChangedEvent struct {
	BaseEvent
	UserID   int64   `json:"user_id"`
	CourseID string  `json:"course_id"`
	Earned   float64 `json:"earned"`
	Possible float64 `json:"possible"`
	Percent  float64 `json:"percent"`
}

// Payload implements Event interface.
func (e CourseGradeChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"course_id": e.CourseID,
		"earned":    e.Earned,
		"possible":  e.Possible,
		"percent":   e.Percent,
	}
}

// NewCourseGradeChangedEvent creates a new CourseGradeChangedEvent.
func NewCourseGradeChangedEvent(userID int64, courseID string, earned, possible, percent float64) CourseGradeChangedEvent {
	return CourseGradeChangedEvent{
		BaseEvent: NewBaseEvent(EventCourseGradeChanged, gradeAggregateID(userID, courseID)),
		UserID:    userID,
		CourseID:  courseID,
		Earned:    earned,
		Possible:  possible,
		Percent:   percent,
	}
}

// DecodePayload copies an event's payload into out through JSON.
// Handlers use it for events that arrived over a transport and lost their
// concrete Go type.
func DecodePayload(event Event, out interface{}) error {
	raw, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType(), err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
