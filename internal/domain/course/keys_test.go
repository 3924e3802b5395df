package course

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

func TestParseCourseKey(t *testing.T) {
	k, err := ParseCourseKey("course-v1:edX+DemoX+Demo_2024")
	require.NoError(t, err)
	assert.Equal(t, CourseKey{Org: "edX", Course: "DemoX", Run: "Demo_2024"}, k)
	assert.Equal(t, "course-v1:edX+DemoX+Demo_2024", k.String())

	for _, bad := range []string{"", "edX/DemoX/2024", "course-v1:edX+DemoX", "course-v1:edX++2024"} {
		_, err := ParseCourseKey(bad)
		assert.ErrorIs(t, err, shared.ErrInvalidID, bad)
	}
}

func TestParseUsageKey(t *testing.T) {
	raw := "block-v1:edX+DemoX+Demo_2024+type@problem+block@3f1a"
	k, err := ParseUsageKey(raw)
	require.NoError(t, err)

	assert.Equal(t, "problem", k.BlockType)
	assert.Equal(t, "3f1a", k.BlockID)
	assert.Equal(t, "edX", k.Course.Org)
	assert.Equal(t, raw, k.String())

	for _, bad := range []string{
		"",
		"block-v1:edX+DemoX+Demo_2024+problem+block@3f1a",
		"block-v1:edX+DemoX+Demo_2024+type@problem",
		"block-v1:edX+DemoX+Demo_2024+type@+block@x",
		"i4x://edX/DemoX/problem/3f1a",
	} {
		_, err := ParseUsageKey(bad)
		assert.ErrorIs(t, err, shared.ErrInvalidID, bad)
	}
}

func TestUsageKey_MapIntoCourse(t *testing.T) {
	k := MustParseUsageKey("block-v1:edX+DemoX+2023+type@problem+block@p1")
	rerun := MustParseCourseKey("course-v1:edX+DemoX+2024")

	mapped := k.MapIntoCourse(rerun)
	assert.Equal(t, "block-v1:edX+DemoX+2024+type@problem+block@p1", mapped.String())
	assert.Equal(t, "2023", k.Course.Run, "original is untouched")
}

func TestKeys_TextMarshaling(t *testing.T) {
	var k UsageKey
	require.NoError(t, k.UnmarshalText([]byte("block-v1:a+b+c+type@sequential+block@s")))
	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "block-v1:a+b+c+type@sequential+block@s", string(text))

	var c CourseKey
	assert.Error(t, c.UnmarshalText([]byte("nope")))
}
