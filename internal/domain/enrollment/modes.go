// Package enrollment models course enrollment tracks and the verified-upgrade
// upsell decision shown on course pages.
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// Mode is an enrollment track slug.
type Mode string

// Known tracks.
const (
	Audit              Mode = "audit"
	Verified           Mode = "verified"
	Professional       Mode = "professional"
	NoIDProfessional   Mode = "no-id-professional"
	Credit             Mode = "credit"
	Honor              Mode = "honor"
	Masters            Mode = "masters"
	ExecutiveEducation Mode = "executive-education"
)

// AllModes is ordered so that enrollment-track partition group g maps to
// AllModes[g-1].
var AllModes = []Mode{Audit, Verified, Professional, NoIDProfessional, Credit, Honor, Masters, ExecutiveEducation}

// UpsellToVerifiedModes are the free tracks a learner can be upsold from.
var UpsellToVerifiedModes = []Mode{Honor, Audit}

// ParseMode validates a slug.
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", shared.WrapError("enrollment", "Parse", shared.ErrInvalidInput, "unknown course mode", fmt.Errorf("%q", s))
}

// IsUpsellable reports whether m is one of UpsellToVerifiedModes.
func (m Mode) IsUpsellable() bool {
	for _, u := range UpsellToVerifiedModes {
		if m == u {
			return true
		}
	}
	return false
}

// IsPaid reports whether m is a paid track.
func (m Mode) IsPaid() bool {
	switch m {
	case Verified, Professional, NoIDProfessional, Credit, Masters, ExecutiveEducation:
		return true
	}
	return false
}

// ModeForGroup resolves an enrollment-track partition group id.
func ModeForGroup(groupID int) (Mode, bool) {
	if groupID < 1 || groupID > len(AllModes) {
		return "", false
	}
	return AllModes[groupID-1], true
}

// GroupForMode is the inverse of ModeForGroup.
func GroupForMode(m Mode) (int, bool) {
	for i, mode := range AllModes {
		if mode == m {
			return i + 1, true
		}
	}
	return 0, false
}

// CourseMode is a track offered by a course run.
type CourseMode struct {
	CourseKey   course.CourseKey `json:"course_key"`
	Slug        Mode             `json:"slug"`
	DisplayName string           `json:"display_name"`
	MinPrice    int              `json:"min_price"`
	Currency    string           `json:"currency"`
	SKU         string           `json:"sku,omitempty"`
	Expiration  *time.Time       `json:"expiration,omitempty"`
}

// FindMode returns the course mode with the given slug.
func FindMode(modes []CourseMode, slug Mode) (CourseMode, bool) {
	for _, m := range modes {
		if m.Slug == slug {
			return m, true
		}
	}
	return CourseMode{}, false
}

// Enrollment is a learner's registration in a course run.
type Enrollment struct {
	UserID    int64            `json:"user_id"`
	CourseKey course.CourseKey `json:"course_key"`
	Mode      Mode             `json:"mode"`
	IsActive  bool             `json:"is_active"`
	CreatedAt time.Time        `json:"created_at"`
}

// UpgradeDeadline is the verified mode's expiration when the learner is on an
// upsellable track, nil otherwise.
func (e *Enrollment) UpgradeDeadline(modes []CourseMode) *time.Time {
	if e == nil || !e.Mode.IsUpsellable() {
		return nil
	}
	verified, ok := FindMode(modes, Verified)
	if !ok {
		return nil
	}
	return verified.Expiration
}

// Repository defines enrollment persistence.
type Repository interface {
	// GetEnrollment returns nil when the learner is not enrolled.
	GetEnrollment(ctx context.Context, userID int64, courseKey course.CourseKey) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e *Enrollment) error

	CourseModes(ctx context.Context, courseKey course.CourseKey) ([]CourseMode, error)
	SaveCourseMode(ctx context.Context, m CourseMode) error
}
