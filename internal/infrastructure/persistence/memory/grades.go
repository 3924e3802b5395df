// Package memory provides in-process stores backed by concurrent maps.
// The worker uses them when no database is configured; tests use them as
// collaborators for the recalculation flow.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

type gradeKey struct {
	userID     int64
	subsection course.UsageKey
}

// GradeStore is an in-memory grades.GradeStore with version checks.
type GradeStore struct {
	grades *xsync.Map[gradeKey, *grades.SubsectionGrade]
}

// NewGradeStore creates an empty store.
func NewGradeStore() *GradeStore {
	return &GradeStore{grades: xsync.NewMap[gradeKey, *grades.SubsectionGrade]()}
}

// Read implements grades.GradeStore.
func (s *GradeStore) Read(_ context.Context, userID int64, subsection course.UsageKey) (*grades.SubsectionGrade, error) {
	g, ok := s.grades.Load(gradeKey{userID, subsection})
	if !ok {
		return nil, nil
	}
	return cloneGrade(g), nil
}

// Write implements grades.GradeStore.
func (s *GradeStore) Write(_ context.Context, g *grades.SubsectionGrade) error {
	var conflict bool
	stored := cloneGrade(g)

	s.grades.Compute(gradeKey{g.UserID, g.Subsection}, func(old *grades.SubsectionGrade, loaded bool) (*grades.SubsectionGrade, xsync.ComputeOp) {
		current := int64(0)
		if loaded {
			current = old.Version
		}
		if current != g.Version {
			conflict = true
			return old, xsync.CancelOp
		}
		stored.Version = current + 1
		return stored, xsync.UpdateOp
	})

	if conflict {
		return grades.NewConflictError(g, nil)
	}
	g.Version = stored.Version
	return nil
}

// ListForCourse implements grades.GradeStore.
func (s *GradeStore) ListForCourse(_ context.Context, userID int64, courseKey course.CourseKey) ([]*grades.SubsectionGrade, error) {
	var out []*grades.SubsectionGrade
	s.grades.Range(func(k gradeKey, g *grades.SubsectionGrade) bool {
		if k.userID == userID && g.CourseKey == courseKey {
			out = append(out, cloneGrade(g))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Subsection.String() < out[j].Subsection.String() })
	return out, nil
}

// Len returns the number of stored grades.
func (s *GradeStore) Len() int {
	return s.grades.Size()
}

func cloneGrade(g *grades.SubsectionGrade) *grades.SubsectionGrade {
	if g == nil {
		return nil
	}
	c := *g
	c.Problems = make(map[course.UsageKey]grades.Score, len(g.Problems))
	for k, v := range g.Problems {
		c.Problems[k] = v
	}
	return &c
}

type scoreKey struct {
	userID int64
	usage  course.UsageKey
}

// ScoreStore is an in-memory grades.ScoreStore.
type ScoreStore struct {
	scores *xsync.Map[scoreKey, grades.ProblemScore]
	now    func() time.Time
}

// NewScoreStore creates an empty store.
func NewScoreStore() *ScoreStore {
	return &ScoreStore{
		scores: xsync.NewMap[scoreKey, grades.ProblemScore](),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ListForUser implements grades.ScoreStore.
func (s *ScoreStore) ListForUser(_ context.Context, userID int64, _ course.CourseKey, usages []course.UsageKey) (map[course.UsageKey]grades.ProblemScore, error) {
	out := make(map[course.UsageKey]grades.ProblemScore, len(usages))
	for _, u := range usages {
		if sc, ok := s.scores.Load(scoreKey{userID, u}); ok {
			out[u] = sc
		}
	}
	return out, nil
}

// Save implements grades.ScoreStore.
func (s *ScoreStore) Save(_ context.Context, _ course.CourseKey, score grades.ProblemScore) error {
	if score.ModifiedAt.IsZero() {
		score.ModifiedAt = s.now()
	}
	s.scores.Store(scoreKey{score.UserID, score.Usage}, score)
	return nil
}

// Delete implements grades.ScoreStore.
func (s *ScoreStore) Delete(_ context.Context, userID int64, _ course.CourseKey, usage course.UsageKey) error {
	s.scores.Delete(scoreKey{userID, usage})
	return nil
}

type courseGradeKey struct {
	userID    int64
	courseKey course.CourseKey
}

// CourseGradeStore is an in-memory grades.CourseGradeStore.
type CourseGradeStore struct {
	grades *xsync.Map[courseGradeKey, grades.CourseGrade]
}

// NewCourseGradeStore creates an empty store.
func NewCourseGradeStore() *CourseGradeStore {
	return &CourseGradeStore{grades: xsync.NewMap[courseGradeKey, grades.CourseGrade]()}
}

// Read implements grades.CourseGradeStore.
func (s *CourseGradeStore) Read(_ context.Context, userID int64, courseKey course.CourseKey) (*grades.CourseGrade, error) {
	g, ok := s.grades.Load(courseGradeKey{userID, courseKey})
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// Save implements grades.CourseGradeStore.
func (s *CourseGradeStore) Save(_ context.Context, g *grades.CourseGrade) error {
	s.grades.Store(courseGradeKey{g.UserID, g.CourseKey}, *g)
	return nil
}
