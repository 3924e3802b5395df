package grades

import (
	"math"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

const scoreEpsilon = 1e-9

// Score is an earned/possible pair.
type Score struct {
	Earned   float64 `json:"earned"`
	Possible float64 `json:"possible"`
}

// Equal compares scores with float tolerance.
func (s Score) Equal(o Score) bool {
	return math.Abs(s.Earned-o.Earned) < scoreEpsilon && math.Abs(s.Possible-o.Possible) < scoreEpsilon
}

// ProblemScore is a persisted raw score for one learner on one scorable block.
// It is written by the scoring pipeline; grading only reads it.
type ProblemScore struct {
	UserID     int64           `json:"user_id"`
	Usage      course.UsageKey `json:"usage"`
	Earned     float64         `json:"earned"`
	Possible   float64         `json:"possible"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// Score returns the earned/possible pair.
func (p ProblemScore) Score() Score {
	return Score{Earned: p.Earned, Possible: p.Possible}
}

// SubsectionGrade is one learner's aggregate over a subsection.
type SubsectionGrade struct {
	UserID     int64                     `json:"user_id"`
	CourseKey  course.CourseKey          `json:"course_key"`
	Subsection course.UsageKey           `json:"subsection"`
	Earned     float64                   `json:"earned"`
	Possible   float64                   `json:"possible"`
	IsComplete bool                      `json:"is_complete"`
	Graded     bool                      `json:"graded"`
	Format     string                    `json:"format,omitempty"`
	Problems   map[course.UsageKey]Score `json:"problems"`

	// Version is the optimistic-concurrency token. Zero means not yet stored.
	Version    int64     `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Percent returns earned/possible, or 0 for an empty subsection.
func (g *SubsectionGrade) Percent() float64 {
	if g.Possible <= 0 {
		return 0
	}
	return g.Earned / g.Possible
}

// ProblemScore returns the stored contribution of usage.
func (g *SubsectionGrade) ProblemScore(usage course.UsageKey) (Score, bool) {
	s, ok := g.Problems[usage]
	return s, ok
}

// SameGrade reports whether two grades carry the same totals and breakdown,
// ignoring version and timestamps.
func (g *SubsectionGrade) SameGrade(o *SubsectionGrade) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.UserID != o.UserID || g.Subsection != o.Subsection || g.IsComplete != o.IsComplete {
		return false
	}
	if !(Score{g.Earned, g.Possible}).Equal(Score{o.Earned, o.Possible}) {
		return false
	}
	if len(g.Problems) != len(o.Problems) {
		return false
	}
	for k, s := range g.Problems {
		other, ok := o.Problems[k]
		if !ok || !s.Equal(other) {
			return false
		}
	}
	return true
}

// CourseGrade is the roll-up of a learner's graded subsections.
type CourseGrade struct {
	UserID     int64            `json:"user_id"`
	CourseKey  course.CourseKey `json:"course_key"`
	Earned     float64          `json:"earned"`
	Possible   float64          `json:"possible"`
	Percent    float64          `json:"percent"`
	Passed     bool             `json:"passed"`
	ModifiedAt time.Time        `json:"modified_at"`
}
