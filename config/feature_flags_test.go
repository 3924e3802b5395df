package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoCourse = "course-v1:edX+DemoX+2024"

func TestFeatureFlags_Defaults(t *testing.T) {
	ff := NewFeatureFlags()

	assert.False(t, ff.CourseSockEnabled(1, demoCourse))
	assert.True(t, ff.IsEnabled(FeatureCourseGradeUpdates, nil))
	assert.True(t, ff.IsEnabled(FeatureDeadLetterReplay, nil))
	assert.False(t, ff.IsEnabled("no.such.feature", nil))
}

func TestFeatureFlags_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FEATURE_COURSE_EXPERIENCE_DISPLAY_COURSE_SOCK", "true")
	t.Setenv("FEATURE_COURSE_EXPERIENCE_DISPLAY_COURSE_SOCK_COURSES", demoCourse)
	t.Setenv("FEATURE_GRADES_DEAD_LETTER_REPLAY", "false")

	ff := LoadFeatureFlags()
	assert.True(t, ff.CourseSockEnabled(1, demoCourse))
	assert.False(t, ff.CourseSockEnabled(1, "course-v1:edX+Other+2024"))
	assert.False(t, ff.IsEnabled(FeatureDeadLetterReplay, nil))
}

func TestFeatureFlags_RolloutIsStableAndProportional(t *testing.T) {
	ff := NewFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FeatureDisplayCourseSock, 30))

	in := 0
	for uid := int64(1); uid <= 2000; uid++ {
		first := ff.CourseSockEnabled(uid, demoCourse)
		assert.Equal(t, first, ff.CourseSockEnabled(uid, demoCourse))
		if first {
			in++
		}
	}
	assert.InDelta(t, 600, in, 100)

	assert.False(t, ff.IsEnabled(FeatureDisplayCourseSock, &FeatureContext{CourseID: demoCourse}),
		"anonymous users are outside a partial rollout")
}

func TestFeatureFlags_UserOverrideWins(t *testing.T) {
	ff := NewFeatureFlags()
	ff.SetUserOverride(42, FeatureDisplayCourseSock, true)
	assert.True(t, ff.CourseSockEnabled(42, demoCourse))

	ff.ClearUserOverrides(42)
	assert.False(t, ff.CourseSockEnabled(42, demoCourse))
}

func TestFeatureFlags_TimeWindow(t *testing.T) {
	ff := NewFeatureFlags()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ff.now = func() time.Time { return now }

	until := now.Add(-time.Hour)
	ff.features[FeatureCourseGradeUpdates].EnabledUntil = &until
	assert.False(t, ff.IsEnabled(FeatureCourseGradeUpdates, nil))
}

func TestFeatureFlags_Errors(t *testing.T) {
	ff := NewFeatureFlags()
	assert.ErrorIs(t, ff.SetRolloutPercent("missing", 10), ErrFeatureNotFound)
	assert.ErrorIs(t, ff.SetRolloutPercent(FeatureDisplayCourseSock, 101), ErrInvalidRolloutPercent)
	assert.ErrorIs(t, ff.SetTargetCourses("missing", nil), ErrFeatureNotFound)

	require.NoError(t, ff.EnableFeature(FeatureDisplayCourseSock))
	require.NoError(t, ff.SetTargetCourses(FeatureDisplayCourseSock, []string{demoCourse}))
	all := ff.GetAllFeatures()
	assert.Equal(t, 100, all[FeatureDisplayCourseSock].RolloutPercent)
	assert.Equal(t, []string{demoCourse}, all[FeatureDisplayCourseSock].TargetCourses)
}
