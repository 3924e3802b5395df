package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// FeatureFlags manages in-process feature toggles with percentage rollout
// and course targeting. The persistent grades switch itself lives in the
// database (see grades.FlagStore); these flags cover the surrounding features.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// userOverrides wins over every other rule.
	userOverrides map[int64]map[string]bool

	now func() time.Time
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent (0-100). Users are bucketed by a hash of feature and user id.
	RolloutPercent int

	// TargetCourses limits the feature to these course keys. Empty means all.
	TargetCourses []string

	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	UserID   int64
	CourseID string
	IsStaff  bool
}

// Predefined feature flag names.
const (
	// FeatureDisplayCourseSock shows the verified upgrade sock on course pages.
	FeatureDisplayCourseSock = "course_experience.display_course_sock"

	// FeatureCourseGradeUpdates recomputes the course grade after each subsection change.
	FeatureCourseGradeUpdates = "grades.course_grade_updates"

	// FeatureDeadLetterReplay re-enqueues abandoned recalculations on a schedule.
	FeatureDeadLetterReplay = "grades.dead_letter_replay"
)

// LoadFeatureFlags builds the defaults and applies FEATURE_* overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns the defaults without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[int64]map[string]bool),
		now:           time.Now,
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureDisplayCourseSock] = &Feature{
		Name:           FeatureDisplayCourseSock,
		Description:    "Show the verified upgrade sock on course pages",
		Enabled:        false,
		RolloutPercent: 0,
	}

	ff.features[FeatureCourseGradeUpdates] = &Feature{
		Name:           FeatureCourseGradeUpdates,
		Description:    "Recompute course grades when a subsection grade changes",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureDeadLetterReplay] = &Feature{
		Name:           FeatureDeadLetterReplay,
		Description:    "Replay recalculations abandoned after exhausting retries",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment applies overrides.
// Format: FEATURE_<NAME>=true|false|<percent>, FEATURE_<NAME>_COURSES=<key>,<key>
// Example: FEATURE_COURSE_EXPERIENCE_DISPLAY_COURSE_SOCK=25
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		envKey := featureNameToEnvKey(name)

		if val := os.Getenv(envKey); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = b
				feature.RolloutPercent = 0
				if b {
					feature.RolloutPercent = 100
				}
			} else if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
				feature.Enabled = p > 0
				feature.RolloutPercent = p
			}
		}

		if courses := getEnvStringSlice(envKey+"_COURSES", nil); len(courses) > 0 {
			feature.TargetCourses = courses
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "course_experience.display_course_sock" -> "FEATURE_COURSE_EXPERIENCE_DISPLAY_COURSE_SOCK"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.UserID != 0 {
		if enabled, ok := ff.userOverrides[ctx.UserID][featureName]; ok {
			return enabled
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	now := ff.now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if len(feature.TargetCourses) > 0 {
		if ctx == nil || !contains(feature.TargetCourses, ctx.CourseID) {
			return false
		}
	}

	if feature.RolloutPercent >= 100 {
		return true
	}
	if ctx == nil || ctx.UserID == 0 {
		return false
	}
	return inRollout(ctx.UserID, featureName, feature.RolloutPercent)
}

// CourseSockEnabled reports whether the course sock may be shown to userID
// in courseID.
func (ff *FeatureFlags) CourseSockEnabled(userID int64, courseID string) bool {
	return ff.IsEnabled(FeatureDisplayCourseSock, &FeatureContext{UserID: userID, CourseID: courseID})
}

// inRollout buckets a user into 0-99. The bucket is stable per feature.
func inRollout(userID int64, featureName string, percent int) bool {
	if percent <= 0 {
		return false
	}
	h := xxh3.HashString(featureName + ":" + strconv.FormatInt(userID, 10))
	return int(h%100) < percent
}

// SetUserOverride forces a feature on or off for one user.
func (ff *FeatureFlags) SetUserOverride(userID int64, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// ClearUserOverrides removes all overrides for a user.
func (ff *FeatureFlags) ClearUserOverrides(userID int64) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.userOverrides, userID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// SetTargetCourses restricts a feature to the given courses; nil lifts the restriction.
func (ff *FeatureFlags) SetTargetCourses(featureName string, courses []string) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	feature.TargetCourses = append([]string(nil), courses...)
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		result[k] = *v
	}
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
