package grades

import (
	"context"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

// GradeStore persists subsection grades with optimistic concurrency.
// This interface is implemented by the infrastructure layer.
type GradeStore interface {
	// Read returns the stored grade, or nil when none exists.
	Read(ctx context.Context, userID int64, subsection course.UsageKey) (*SubsectionGrade, error)

	// Write stores g if the stored version still equals g.Version (zero means
	// "must not exist yet"). On success g.Version holds the new version.
	// A lost race returns *ConflictError.
	Write(ctx context.Context, g *SubsectionGrade) error

	// ListForCourse returns every stored subsection grade of a learner in a course.
	ListForCourse(ctx context.Context, userID int64, courseKey course.CourseKey) ([]*SubsectionGrade, error)
}

// ScoreStore exposes persisted raw problem scores.
type ScoreStore interface {
	// ListForUser returns the stored scores among usages, keyed by usage.
	// Blocks without a score are absent from the map. Implementations must
	// answer with a single round trip regardless of len(usages).
	ListForUser(ctx context.Context, userID int64, courseKey course.CourseKey, usages []course.UsageKey) (map[course.UsageKey]ProblemScore, error)

	// Save upserts a raw score. Used by the scoring pipeline and tooling.
	Save(ctx context.Context, courseKey course.CourseKey, score ProblemScore) error

	// Delete removes a raw score.
	Delete(ctx context.Context, userID int64, courseKey course.CourseKey, usage course.UsageKey) error
}

// CourseGradeStore persists course grades.
type CourseGradeStore interface {
	Read(ctx context.Context, userID int64, courseKey course.CourseKey) (*CourseGrade, error)
	Save(ctx context.Context, g *CourseGrade) error
}

// FeatureGate answers whether persistent grades are enabled for a course.
type FeatureGate interface {
	IsEnabled(ctx context.Context, courseKey course.CourseKey) (bool, error)
}
