// Package grades holds persistent subsection grades: the score-change payload
// that drives recalculation, the pure aggregation over a block structure and
// the storage contracts the recalculator depends on.
package grades

import (
	"fmt"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

// ScoreChangeEvent is the payload of one subsection recalculation task.
// Retries carry the identical value, so every field here must survive
// serialization unchanged.
type ScoreChangeEvent struct {
	UserID       int64   `json:"user_id" validate:"required,gt=0"`
	CourseID     string  `json:"course_id" validate:"required"`
	UsageID      string  `json:"usage_id" validate:"required"`
	OnlyIfHigher *bool   `json:"only_if_higher"`
	RawEarned    float64 `json:"raw_earned" validate:"gte=0"`
	RawPossible  float64 `json:"raw_possible" validate:"gte=0"`
	ScoreDeleted bool    `json:"score_deleted"`
}

// Keys parses the course and usage ids. The usage key is re-homed into the
// event's course run.
func (e ScoreChangeEvent) Keys() (course.CourseKey, course.UsageKey, error) {
	courseKey, err := course.ParseCourseKey(e.CourseID)
	if err != nil {
		return course.CourseKey{}, course.UsageKey{}, err
	}
	usageKey, err := course.ParseUsageKey(e.UsageID)
	if err != nil {
		return course.CourseKey{}, course.UsageKey{}, err
	}
	return courseKey, usageKey.MapIntoCourse(courseKey), nil
}

// MonotonicOnly reports whether only_if_higher was set to true.
func (e ScoreChangeEvent) MonotonicOnly() bool {
	return e.OnlyIfHigher != nil && *e.OnlyIfHigher
}

// String is used as a log and dead-letter label.
func (e ScoreChangeEvent) String() string {
	return fmt.Sprintf("user=%d course=%s usage=%s", e.UserID, e.CourseID, e.UsageID)
}

// BoolPtr is a helper for the optional only_if_higher field.
func BoolPtr(v bool) *bool {
	return &v
}
