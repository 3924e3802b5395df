package content

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

const demoOutline = `
course_key: course-v1:edX+DemoX+2024
display_name: Demo
chapters:
  - id: week1
    subsections:
      - id: hw1
        graded: true
        format: Homework
        units:
          - id: u1
            problems:
              - id: p1
                weight: 2
              - id: shared
                weight: 1
      - id: hw2
        graded: true
        format: Homework
        units:
          - id: u2
            problems:
              - id: shared
                weight: 1
              - id: survey
                ungraded: true
`

var demoKey = course.MustParseCourseKey("course-v1:edX+DemoX+2024")

func TestParseOutline_BuildsDAG(t *testing.T) {
	o, err := ParseOutline([]byte(demoOutline))
	require.NoError(t, err)

	s, err := o.Structure("v1")
	require.NoError(t, err)

	assert.Equal(t, "v1", s.Version())
	assert.Len(t, s.Subsections(), 2)

	sharedProblem := course.NewUsageKey(demoKey, course.TypeProblem, "shared")
	assert.Len(t, s.SubsectionsContaining(sharedProblem), 2)

	hw1 := course.NewUsageKey(demoKey, course.TypeSequential, "hw1")
	assert.Len(t, s.ScorableDescendants(hw1), 2)

	survey, ok := s.Block(course.NewUsageKey(demoKey, course.TypeProblem, "survey"))
	require.True(t, ok)
	assert.False(t, survey.Graded)
}

func TestParseOutline_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "chapters: [:"},
		{"missing course key", "chapters:\n  - id: a\n"},
		{"bad course key", "course_key: nope\nchapters:\n  - id: a\n"},
		{"no chapters", "course_key: course-v1:a+b+c\n"},
		{"bad block id", "course_key: course-v1:a+b+c\nchapters:\n  - id: a+b\n"},
		{"graded without format", "course_key: course-v1:a+b+c\nchapters:\n  - id: a\n    subsections:\n      - id: s\n        graded: true\n"},
		{"negative weight", "course_key: course-v1:a+b+c\nchapters:\n  - id: a\n    subsections:\n      - id: s\n        units:\n          - id: u\n            problems:\n              - id: p\n                weight: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOutline([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestOutline_InconsistentSharedProblem(t *testing.T) {
	o, err := ParseOutline([]byte(`
course_key: course-v1:a+b+c
chapters:
  - id: c
    subsections:
      - id: s1
        units:
          - id: u1
            problems: [{id: p, weight: 1}]
      - id: s2
        units:
          - id: u2
            problems: [{id: p, weight: 3}]
`))
	require.NoError(t, err)

	_, err = o.Structure("v")
	assert.True(t, shared.IsValidation(err))
}

func TestFileStore_VersionTracksContent(t *testing.T) {
	fsys := fstest.MapFS{
		"demo.yaml":   {Data: []byte(demoOutline)},
		"broken.yaml": {Data: []byte("course_key: [")},
		"README.md":   {Data: []byte("not an outline")},
	}
	store, err := NewFileStore(fsys, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, []course.CourseKey{demoKey}, store.Courses())

	v1, err := store.Version(ctx, demoKey)
	require.NoError(t, err)
	s, err := store.Build(ctx, demoKey)
	require.NoError(t, err)
	assert.Equal(t, v1, s.Version())

	fsys["demo.yaml"] = &fstest.MapFile{Data: []byte(demoOutline + "\n# edited\n")}
	v2, err := store.Version(ctx, demoKey)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestFileStore_UnknownCourse(t *testing.T) {
	store, err := NewFileStore(fstest.MapFS{}, nil)
	require.NoError(t, err)

	_, err = store.Version(context.Background(), demoKey)
	assert.ErrorIs(t, err, shared.ErrCourseNotFound)
}

func TestFileStore_DuplicateCourse(t *testing.T) {
	_, err := NewFileStore(fstest.MapFS{
		"a.yaml": {Data: []byte(demoOutline)},
		"b.yml":  {Data: []byte(demoOutline)},
	}, nil)
	assert.Error(t, err)
}
