package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

var (
	ck  = course.MustParseCourseKey("course-v1:edX+DemoX+2024")
	seq = course.NewUsageKey(ck, course.TypeSequential, "seq")
	p1  = course.NewUsageKey(ck, course.TypeProblem, "p1")
)

func TestGradeStore_OptimisticWrites(t *testing.T) {
	ctx := context.Background()
	s := NewGradeStore()

	got, err := s.Read(ctx, 1, seq)
	require.NoError(t, err)
	assert.Nil(t, got)

	g := &grades.SubsectionGrade{UserID: 1, CourseKey: ck, Subsection: seq, Earned: 1, Possible: 2,
		Problems: map[course.UsageKey]grades.Score{p1: {Earned: 1, Possible: 2}}}
	require.NoError(t, s.Write(ctx, g))
	assert.Equal(t, int64(1), g.Version)

	stale := &grades.SubsectionGrade{UserID: 1, CourseKey: ck, Subsection: seq, Earned: 0}
	err = s.Write(ctx, stale)
	assert.True(t, grades.IsConflict(err))

	g.Earned = 2
	require.NoError(t, s.Write(ctx, g))
	assert.Equal(t, int64(2), g.Version)

	got, err = s.Read(ctx, 1, seq)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Earned)

	got.Problems[p1] = grades.Score{Earned: 99}
	again, _ := s.Read(ctx, 1, seq)
	assert.Equal(t, 1.0, again.Problems[p1].Earned, "reads are copies")

	list, err := s.ListForCourse(ctx, 1, ck)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGradeStore_ConcurrentCreateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewGradeStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(ctx, &grades.SubsectionGrade{UserID: 1, CourseKey: ck, Subsection: seq})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if grades.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, conflicts)
}

func TestScoreStore(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore()

	require.NoError(t, s.Save(ctx, ck, grades.ProblemScore{UserID: 1, Usage: p1, Earned: 1, Possible: 2}))
	got, err := s.ListForUser(ctx, 1, ck, []course.UsageKey{p1, seq})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[p1].ModifiedAt.IsZero())

	require.NoError(t, s.Delete(ctx, 1, ck, p1))
	got, _ = s.ListForUser(ctx, 1, ck, []course.UsageKey{p1})
	assert.Empty(t, got)
}

func TestFlagStoreAndEnrollments(t *testing.T) {
	ctx := context.Background()
	flags := NewFlagStore()
	gate := grades.NewFlagGate(flags, false)

	ok, err := gate.IsEnabled(ctx, ck)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, flags.SetGlobal(ctx, grades.GlobalFlag{Enabled: true}))
	require.NoError(t, flags.SetCourse(ctx, grades.CourseFlag{CourseKey: ck, Enabled: true}))
	ok, _ = gate.IsEnabled(ctx, ck)
	assert.True(t, ok)

	repo := NewEnrollmentRepository()
	require.NoError(t, repo.SaveCourseMode(ctx, enrollment.CourseMode{CourseKey: ck, Slug: enrollment.Verified, MinPrice: 10}))
	require.NoError(t, repo.SaveCourseMode(ctx, enrollment.CourseMode{CourseKey: ck, Slug: enrollment.Verified, MinPrice: 49}))
	modes, err := repo.CourseModes(ctx, ck)
	require.NoError(t, err)
	require.Len(t, modes, 1)
	assert.Equal(t, 49, modes[0].MinPrice)

	e, err := repo.GetEnrollment(ctx, 5, ck)
	require.NoError(t, err)
	assert.Nil(t, e)
}
