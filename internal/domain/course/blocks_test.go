package course

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

var demo = MustParseCourseKey("course-v1:edX+DemoX+2024")

func key(blockType, id string) UsageKey {
	return NewUsageKey(demo, blockType, id)
}

// demoOutline: course > chapter > {seq1 > vert1 > {p1, p2}, seq2 > vert2 > {p2, p3}}
func demoOutline(t *testing.T) *BlockStructure {
	t.Helper()
	blocks := []Block{
		{Key: key(TypeCourse, "course"), Children: []UsageKey{key(TypeChapter, "ch1")}},
		{Key: key(TypeChapter, "ch1"), Children: []UsageKey{key(TypeSequential, "seq1"), key(TypeSequential, "seq2")}},
		{Key: key(TypeSequential, "seq1"), Graded: true, Format: "Homework", Children: []UsageKey{key(TypeVertical, "v1")}},
		{Key: key(TypeSequential, "seq2"), Children: []UsageKey{key(TypeVertical, "v2")}},
		{Key: key(TypeVertical, "v1"), Children: []UsageKey{key(TypeProblem, "p1"), key(TypeProblem, "p2")}},
		{Key: key(TypeVertical, "v2"), Children: []UsageKey{key(TypeProblem, "p2"), key(TypeProblem, "p3"), key("html", "intro")}},
		{Key: key(TypeProblem, "p1"), HasScore: true, Weight: 2},
		{Key: key(TypeProblem, "p2"), HasScore: true, Weight: 1},
		{Key: key(TypeProblem, "p3"), HasScore: true, Weight: 3},
		{Key: key("html", "intro")},
	}
	s, err := NewBlockStructure(demo, "v1", key(TypeCourse, "course"), blocks)
	require.NoError(t, err)
	return s
}

func TestSubsectionsContaining(t *testing.T) {
	s := demoOutline(t)

	assert.Equal(t, []UsageKey{key(TypeSequential, "seq1")}, s.SubsectionsContaining(key(TypeProblem, "p1")))
	assert.Equal(t,
		[]UsageKey{key(TypeSequential, "seq1"), key(TypeSequential, "seq2")},
		s.SubsectionsContaining(key(TypeProblem, "p2")))
	assert.Empty(t, s.SubsectionsContaining(key(TypeProblem, "deleted")))
	assert.Empty(t, s.SubsectionsContaining(key(TypeChapter, "ch1")))
}

func TestScorableDescendants(t *testing.T) {
	s := demoOutline(t)

	got := s.ScorableDescendants(key(TypeSequential, "seq2"))
	require.Len(t, got, 2)
	assert.Equal(t, key(TypeProblem, "p2"), got[0].Key)
	assert.Equal(t, key(TypeProblem, "p3"), got[1].Key)

	all := s.ScorableDescendants(s.Root())
	assert.Len(t, all, 3, "shared problem is listed once")
}

func TestNewBlockStructure_Rejects(t *testing.T) {
	root := key(TypeCourse, "course")

	t.Run("missing child", func(t *testing.T) {
		_, err := NewBlockStructure(demo, "v", root, []Block{
			{Key: root, Children: []UsageKey{key(TypeChapter, "gone")}},
		})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})

	t.Run("cycle", func(t *testing.T) {
		a, b := key(TypeVertical, "a"), key(TypeVertical, "b")
		_, err := NewBlockStructure(demo, "v", root, []Block{
			{Key: root, Children: []UsageKey{a}},
			{Key: a, Children: []UsageKey{b}},
			{Key: b, Children: []UsageKey{a}},
		})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := NewBlockStructure(demo, "v", root, nil)
		assert.Error(t, err)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := NewBlockStructure(demo, "v", root, []Block{{Key: root}, {Key: root}})
		assert.Error(t, err)
	})
}

func TestBlockStructure_JSONRoundTrip(t *testing.T) {
	s := demoOutline(t)

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded BlockStructure
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, s.CourseKey(), decoded.CourseKey())
	assert.Equal(t, s.Version(), decoded.Version())
	assert.Equal(t, s.Len(), decoded.Len())
	assert.Equal(t, s.SubsectionsContaining(key(TypeProblem, "p2")), decoded.SubsectionsContaining(key(TypeProblem, "p2")))

	seq1, ok := decoded.Block(key(TypeSequential, "seq1"))
	require.True(t, ok)
	assert.True(t, seq1.Graded)
	assert.Equal(t, "Homework", seq1.Format)
}

func TestSubsections(t *testing.T) {
	s := demoOutline(t)
	subs := s.Subsections()
	require.Len(t, subs, 2)
	assert.Equal(t, "seq1", subs[0].Key.BlockID)
	assert.Equal(t, []UsageKey{key(TypeChapter, "ch1")}, s.Parents(key(TypeSequential, "seq2")))
}
