package grades

import "github.com/alem-hub/persistent-grades/internal/domain/shared"

// NewSubsectionScoreChanged builds the notification for a verified grade.
func NewSubsectionScoreChanged(g *SubsectionGrade, correlationID string) shared.SubsectionScoreChangedEvent {
	e := shared.NewSubsectionScoreChangedEvent(g.UserID, g.CourseKey.String(), g.Subsection.String(), g.Earned, g.Possible)
	if correlationID != "" {
		e.BaseEvent = e.BaseEvent.WithCorrelationID(correlationID)
	}
	return e
}

// FromProblemScoreChanged maps the scoring pipeline's event onto a task
// payload. points_* become raw_*.
func FromProblemScoreChanged(e shared.ProblemScoreChangedEvent) ScoreChangeEvent {
	return ScoreChangeEvent{
		UserID:       e.UserID,
		CourseID:     e.CourseID,
		UsageID:      e.UsageID,
		OnlyIfHigher: e.OnlyIfHigher,
		RawEarned:    e.PointsEarned,
		RawPossible:  e.PointsPossible,
		ScoreDeleted: e.ScoreDeleted,
	}
}
