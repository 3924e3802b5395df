// Package course models course content: opaque course/usage keys and the
// read-only block structure used to locate and aggregate scored problems.
package course

import (
	"fmt"
	"strings"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

const (
	coursePrefix = "course-v1:"
	usagePrefix  = "block-v1:"
)

// CourseKey identifies one run of a course, e.g. course-v1:edX+DemoX+2024.
type CourseKey struct {
	Org    string
	Course string
	Run    string
}

// ParseCourseKey parses the "course-v1:ORG+COURSE+RUN" form.
func ParseCourseKey(s string) (CourseKey, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), coursePrefix)
	if !ok {
		return CourseKey{}, shared.WrapError("course", "Parse", shared.ErrInvalidID, "invalid course key", fmt.Errorf("%q", s))
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return CourseKey{}, shared.WrapError("course", "Parse", shared.ErrInvalidID, "invalid course key", fmt.Errorf("%q", s))
	}
	return CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}

// MustParseCourseKey is ParseCourseKey for constants and tests.
func MustParseCourseKey(s string) CourseKey {
	k, err := ParseCourseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the canonical course key.
func (k CourseKey) String() string {
	return coursePrefix + k.Org + "+" + k.Course + "+" + k.Run
}

// IsZero reports whether the key is empty.
func (k CourseKey) IsZero() bool {
	return k == CourseKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (k CourseKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CourseKey) UnmarshalText(b []byte) error {
	parsed, err := ParseCourseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UsageKey identifies a block inside a course run.
type UsageKey struct {
	Course    CourseKey
	BlockType string
	BlockID   string
}

// NewUsageKey builds a usage key inside course.
func NewUsageKey(course CourseKey, blockType, blockID string) UsageKey {
	return UsageKey{Course: course, BlockType: blockType, BlockID: blockID}
}

// ParseUsageKey parses "block-v1:ORG+COURSE+RUN+type@TYPE+block@ID".
func ParseUsageKey(s string) (UsageKey, error) {
	invalid := shared.WrapError("course", "Parse", shared.ErrInvalidID, "invalid usage key", fmt.Errorf("%q", s))

	rest, ok := strings.CutPrefix(strings.TrimSpace(s), usagePrefix)
	if !ok {
		return UsageKey{}, invalid
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 5 {
		return UsageKey{}, invalid
	}
	blockType, ok := strings.CutPrefix(parts[3], "type@")
	if !ok || blockType == "" {
		return UsageKey{}, invalid
	}
	blockID, ok := strings.CutPrefix(parts[4], "block@")
	if !ok || blockID == "" {
		return UsageKey{}, invalid
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return UsageKey{}, invalid
	}

	return UsageKey{
		Course:    CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]},
		BlockType: blockType,
		BlockID:   blockID,
	}, nil
}

// MustParseUsageKey is ParseUsageKey for constants and tests.
func MustParseUsageKey(s string) UsageKey {
	k, err := ParseUsageKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the canonical usage key.
func (k UsageKey) String() string {
	return usagePrefix + k.Course.Org + "+" + k.Course.Course + "+" + k.Course.Run +
		"+type@" + k.BlockType + "+block@" + k.BlockID
}

// MapIntoCourse returns the same block re-homed into another course run.
// Scores reported against a rerun or a CCX still resolve against the run
// the event names.
func (k UsageKey) MapIntoCourse(course CourseKey) UsageKey {
	k.Course = course
	return k
}

// IsZero reports whether the key is empty.
func (k UsageKey) IsZero() bool {
	return k == UsageKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (k UsageKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *UsageKey) UnmarshalText(b []byte) error {
	parsed, err := ParseUsageKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
