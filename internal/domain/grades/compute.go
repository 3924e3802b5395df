package grades

import (
	"math"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

// Trigger is the raw score a recalculation expects to see persisted.
type Trigger struct {
	Usage    course.UsageKey
	Earned   float64
	Possible float64
	Deleted  bool
}

// TriggerFrom builds the trigger for an event whose usage key is already
// mapped into its course.
func TriggerFrom(e ScoreChangeEvent, usage course.UsageKey) Trigger {
	return Trigger{Usage: usage, Earned: e.RawEarned, Possible: e.RawPossible, Deleted: e.ScoreDeleted}
}

// Visible reports whether the persisted scores already reflect the trigger:
// the stored raw score matches, or is gone when the trigger is a deletion.
func (t Trigger) Visible(scores map[course.UsageKey]ProblemScore) bool {
	stored, ok := scores[t.Usage]
	if t.Deleted {
		return !ok
	}
	return ok && stored.Score().Equal(Score{Earned: t.Earned, Possible: t.Possible})
}

// ComputeSubsectionGrade aggregates the persisted scores of every scorable
// block under subsection. Unattempted blocks contribute zero earned and their
// weight as possible. The grade is complete when the trigger is visible in
// scores.
func ComputeSubsectionGrade(
	structure *course.BlockStructure,
	subsection course.UsageKey,
	userID int64,
	scores map[course.UsageKey]ProblemScore,
	trigger Trigger,
	now time.Time,
) *SubsectionGrade {
	grade := &SubsectionGrade{
		UserID:     userID,
		CourseKey:  structure.CourseKey(),
		Subsection: subsection,
		Problems:   make(map[course.UsageKey]Score),
		IsComplete: trigger.Visible(scores),
		ModifiedAt: now,
	}
	if block, ok := structure.Block(subsection); ok {
		grade.Graded = block.Graded
		grade.Format = block.Format
	}

	for _, block := range structure.ScorableDescendants(subsection) {
		s := Score{Possible: block.Weight}
		if stored, ok := scores[block.Key]; ok {
			s = stored.Score()
		}
		grade.Problems[block.Key] = s
		grade.Earned += s.Earned
		grade.Possible += s.Possible
	}

	grade.Earned = round(grade.Earned)
	grade.Possible = round(grade.Possible)
	return grade
}

// ShouldApply implements the monotonic-increase rule. Without only_if_higher,
// or when nothing is stored yet for the problem, the candidate always applies.
// Otherwise the candidate's score for the triggering problem must be strictly
// higher than the stored one.
func ShouldApply(stored, candidate *SubsectionGrade, usage course.UsageKey, onlyIfHigher bool) bool {
	if !onlyIfHigher || stored == nil {
		return true
	}
	prev, ok := stored.ProblemScore(usage)
	if !ok {
		return true
	}
	next, _ := candidate.ProblemScore(usage)
	return next.Earned > prev.Earned+scoreEpsilon
}

// ComputeCourseGrade sums the graded subsections. When a course has no graded
// subsection every subsection counts.
func ComputeCourseGrade(userID int64, courseKey course.CourseKey, subsections []*SubsectionGrade, passCutoff float64, now time.Time) *CourseGrade {
	cg := &CourseGrade{UserID: userID, CourseKey: courseKey, ModifiedAt: now}

	anyGraded := false
	for _, s := range subsections {
		if s.Graded {
			anyGraded = true
			break
		}
	}
	for _, s := range subsections {
		if anyGraded && !s.Graded {
			continue
		}
		cg.Earned += s.Earned
		cg.Possible += s.Possible
	}

	cg.Earned = round(cg.Earned)
	cg.Possible = round(cg.Possible)
	if cg.Possible > 0 {
		cg.Percent = math.Round(cg.Earned/cg.Possible*100) / 100
	}
	cg.Passed = cg.Possible > 0 && cg.Percent >= passCutoff
	return cg
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
