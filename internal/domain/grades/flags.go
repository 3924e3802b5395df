package grades

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

// GlobalFlag is the current row of the site-wide persistent grades switch.
type GlobalFlag struct {
	Enabled              bool      `json:"enabled"`
	EnabledForAllCourses bool      `json:"enabled_for_all_courses"`
	ChangedAt            time.Time `json:"changed_at"`
}

// CourseFlag is the current per-course override.
type CourseFlag struct {
	CourseKey course.CourseKey `json:"course_key"`
	Enabled   bool             `json:"enabled"`
	ChangedAt time.Time        `json:"changed_at"`
}

// FlagStore reads and appends flag rows. The latest row wins.
type FlagStore interface {
	// CurrentGlobal returns the latest global row, or nil if none was ever written.
	CurrentGlobal(ctx context.Context) (*GlobalFlag, error)

	// CurrentForCourse returns the latest row for courseKey, or nil.
	CurrentForCourse(ctx context.Context, courseKey course.CourseKey) (*CourseFlag, error)

	SetGlobal(ctx context.Context, f GlobalFlag) error
	SetCourse(ctx context.Context, f CourseFlag) error
}

// PersistentGradesEnabled evaluates the flag hierarchy: the global switch
// must be on, then either it covers all courses or the course row opts in.
func PersistentGradesEnabled(global *GlobalFlag, courseFlag *CourseFlag) bool {
	if global == nil || !global.Enabled {
		return false
	}
	if global.EnabledForAllCourses {
		return true
	}
	return courseFlag != nil && courseFlag.Enabled
}

// FlagGate is the FeatureGate backed by a FlagStore.
type FlagGate struct {
	store FlagStore

	// forceEnabled turns every check on without touching the store.
	forceEnabled bool
}

// NewFlagGate creates a gate. When forceEnabled is set the store is never read.
func NewFlagGate(store FlagStore, forceEnabled bool) *FlagGate {
	return &FlagGate{store: store, forceEnabled: forceEnabled}
}

// IsEnabled implements FeatureGate.
func (g *FlagGate) IsEnabled(ctx context.Context, courseKey course.CourseKey) (bool, error) {
	if g.forceEnabled {
		return true, nil
	}

	global, err := g.store.CurrentGlobal(ctx)
	if err != nil {
		return false, fmt.Errorf("read global grades flag: %w", err)
	}
	if global == nil || !global.Enabled {
		return false, nil
	}
	if global.EnabledForAllCourses {
		return true, nil
	}

	courseFlag, err := g.store.CurrentForCourse(ctx, courseKey)
	if err != nil {
		return false, fmt.Errorf("read course grades flag: %w", err)
	}
	return PersistentGradesEnabled(global, courseFlag), nil
}
