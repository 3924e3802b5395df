package grades

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

type stubFlagStore struct {
	global      *GlobalFlag
	courses     map[course.CourseKey]*CourseFlag
	err         error
	globalReads int
	courseReads int
}

func (s *stubFlagStore) CurrentGlobal(context.Context) (*GlobalFlag, error) {
	s.globalReads++
	return s.global, s.err
}

func (s *stubFlagStore) CurrentForCourse(_ context.Context, k course.CourseKey) (*CourseFlag, error) {
	s.courseReads++
	return s.courses[k], s.err
}

func (s *stubFlagStore) SetGlobal(context.Context, GlobalFlag) error { return nil }
func (s *stubFlagStore) SetCourse(context.Context, CourseFlag) error { return nil }

func TestPersistentGradesEnabled(t *testing.T) {
	tests := []struct {
		name   string
		global *GlobalFlag
		course *CourseFlag
		want   bool
	}{
		{"no rows", nil, nil, false},
		{"global off", &GlobalFlag{Enabled: false, EnabledForAllCourses: true}, &CourseFlag{Enabled: true}, false},
		{"all courses", &GlobalFlag{Enabled: true, EnabledForAllCourses: true}, nil, true},
		{"course opted in", &GlobalFlag{Enabled: true}, &CourseFlag{Enabled: true}, true},
		{"course opted out", &GlobalFlag{Enabled: true}, &CourseFlag{Enabled: false}, false},
		{"course row missing", &GlobalFlag{Enabled: true}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PersistentGradesEnabled(tt.global, tt.course))
		})
	}
}

func TestFlagGate(t *testing.T) {
	ctx := context.Background()

	t.Run("force enabled skips store", func(t *testing.T) {
		store := &stubFlagStore{}
		ok, err := NewFlagGate(store, true).IsEnabled(ctx, courseKey)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, store.globalReads)
	})

	t.Run("global off skips course lookup", func(t *testing.T) {
		store := &stubFlagStore{global: &GlobalFlag{Enabled: false}}
		ok, err := NewFlagGate(store, false).IsEnabled(ctx, courseKey)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, store.courseReads)
	})

	t.Run("course override", func(t *testing.T) {
		store := &stubFlagStore{
			global:  &GlobalFlag{Enabled: true},
			courses: map[course.CourseKey]*CourseFlag{courseKey: {CourseKey: courseKey, Enabled: true}},
		}
		ok, err := NewFlagGate(store, false).IsEnabled(ctx, courseKey)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("store error", func(t *testing.T) {
		store := &stubFlagStore{err: errors.New("db down")}
		_, err := NewFlagGate(store, false).IsEnabled(ctx, courseKey)
		assert.ErrorContains(t, err, "db down")
	})
}
