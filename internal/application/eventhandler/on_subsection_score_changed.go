package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SUBSECTION SCORE CHANGED
// Recomputes the course grade from the stored subsection grades.
// ═══════════════════════════════════════════════════════════════════════════

// CourseGradeConfig configures OnSubsectionScoreChangedHandler.
type CourseGradeConfig struct {
	// PassCutoff is the minimum percent for a passing grade.
	PassCutoff float64
}

// DefaultCourseGradeConfig returns the default cutoff.
func DefaultCourseGradeConfig() CourseGradeConfig {
	return CourseGradeConfig{PassCutoff: 0.5}
}

// OnSubsectionScoreChangedHandler updates course grades.
type OnSubsectionScoreChangedHandler struct {
	subsections grades.GradeStore
	courses     grades.CourseGradeStore
	publisher   shared.EventPublisher
	config      CourseGradeConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewOnSubsectionScoreChangedHandler creates the handler.
func NewOnSubsectionScoreChangedHandler(
	subsections grades.GradeStore,
	courses grades.CourseGradeStore,
	publisher shared.EventPublisher,
	config CourseGradeConfig,
	logger *slog.Logger,
) *OnSubsectionScoreChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnSubsectionScoreChangedHandler{
		subsections: subsections,
		courses:     courses,
		publisher:   publisher,
		config:      config,
		logger:      logger.With("handler", "on_subsection_score_changed"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements shared.EventHandler.
func (h *OnSubsectionScoreChangedHandler) Handle(event shared.Event) error {
	var e shared.SubsectionScoreChangedEvent
	switch v := event.(type) {
	case shared.SubsectionScoreChangedEvent:
		e = v
	case *shared.SubsectionScoreChangedEvent:
		e = *v
	default:
		if err := shared.DecodePayload(event, &e); err != nil {
			h.logger.Warn("dropping undecodable subsection event", "error", err)
			return nil
		}
	}

	courseKey, err := course.ParseCourseKey(e.CourseID)
	if err != nil {
		h.logger.Warn("dropping subsection event with bad course id", "course_id", e.CourseID, "error", err)
		return nil
	}

	ctx := context.Background()
	_, err = h.Recompute(ctx, e.UserID, courseKey)
	return err
}

// Recompute rebuilds and stores the course grade. An event is published
// only when the stored value changes.
func (h *OnSubsectionScoreChangedHandler) Recompute(ctx context.Context, userID int64, courseKey course.CourseKey) (*grades.CourseGrade, error) {
	subs, err := h.subsections.ListForCourse(ctx, userID, courseKey)
	if err != nil {
		return nil, fmt.Errorf("list subsection grades: %w", err)
	}

	next := grades.ComputeCourseGrade(userID, courseKey, subs, h.config.PassCutoff, h.now())

	prev, err := h.courses.Read(ctx, userID, courseKey)
	if err != nil && !shared.IsNotFound(err) {
		return nil, fmt.Errorf("read course grade: %w", err)
	}
	if prev != nil && prev.Earned == next.Earned && prev.Possible == next.Possible && prev.Passed == next.Passed {
		return prev, nil
	}

	if err := h.courses.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save course grade: %w", err)
	}

	h.logger.Info("course grade updated",
		"user_id", userID,
		"course_id", courseKey.String(),
		"percent", next.Percent,
		"passed", next.Passed,
	)

	if h.publisher != nil {
		evt := shared.NewCourseGradeChangedEvent(userID, courseKey.String(), next.Earned, next.Possible, next.Percent)
		if err := h.publisher.Publish(evt); err != nil {
			h.logger.Error("failed to publish course grade change", "error", err)
		}
	}
	return next, nil
}
