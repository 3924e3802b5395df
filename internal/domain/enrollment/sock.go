package enrollment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/pkg/timeutil"
)

// Masquerade is a staff member's "view as" state for a course.
type Masquerade struct {
	Role    string // "staff" or "student"
	GroupID *int   // enrollment-track partition group, when chosen
}

// ViewsAsStudent reports whether the masquerade replaces the staff view.
func (m *Masquerade) ViewsAsStudent() bool {
	return m != nil && m.Role == "student"
}

// CurrentTrack resolves the track the page is rendered for. A student
// masquerade without a group leaves the track unknown.
func CurrentTrack(e *Enrollment, m *Masquerade) Mode {
	if m.ViewsAsStudent() {
		if m.GroupID == nil {
			return ""
		}
		mode, _ := ModeForGroup(*m.GroupID)
		return mode
	}
	if e == nil {
		return ""
	}
	return e.Mode
}

// VerifiedUpgradeLinkIsValid reports whether an active upsellable enrollment
// still has an open verified upgrade window. Deadlines are compared by UTC date.
func VerifiedUpgradeLinkIsValid(e *Enrollment, modes []CourseMode, now time.Time) bool {
	if e == nil {
		return false
	}
	deadline := e.UpgradeDeadline(modes)
	if deadline == nil {
		return false
	}
	if timeutil.DateAfter(now, *deadline) {
		return false
	}
	return e.IsActive && e.Mode.IsUpsellable()
}

// ShouldShowUpgradeBanner decides the course sock. The current track must be
// unknown or upsellable, and the enrollment must hold a valid upgrade link.
func ShouldShowUpgradeBanner(e *Enrollment, modes []CourseMode, currentTrack Mode, now time.Time) bool {
	upgradable := currentTrack == "" || currentTrack.IsUpsellable()
	return upgradable && VerifiedUpgradeLinkIsValid(e, modes, now)
}

// Price is the verified price as displayed, with an optional strikeout.
type Price struct {
	Display     string `json:"display"`
	Original    string `json:"original,omitempty"`
	HasDiscount bool   `json:"has_discount"`
}

// FormatStrikeoutPrice renders the verified price, discounted by percent
// when percent is in (0, 100).
func FormatStrikeoutPrice(mode CourseMode, percent float64) Price {
	full := formatAmount(float64(mode.MinPrice), mode.Currency)
	if percent <= 0 || percent >= 100 {
		return Price{Display: full}
	}
	discounted := math.Round(float64(mode.MinPrice)*(100-percent)) / 100
	return Price{
		Display:     formatAmount(discounted, mode.Currency),
		Original:    full,
		HasDiscount: true,
	}
}

func formatAmount(v float64, currency string) string {
	symbol := "$"
	if c := strings.ToLower(currency); c != "" && c != "usd" {
		symbol = strings.ToUpper(c) + " "
	}
	if v == math.Trunc(v) {
		return fmt.Sprintf("%s%d", symbol, int64(v))
	}
	return fmt.Sprintf("%s%.2f", symbol, v)
}

// UpgradeURL points at the ecommerce basket when checkout runs there and the
// mode has a SKU, and at the local upgrade page otherwise.
func UpgradeURL(ecommerceURL string, checkoutOnEcommerce bool, mode CourseMode, courseKey course.CourseKey) string {
	if checkoutOnEcommerce && mode.SKU != "" && ecommerceURL != "" {
		return strings.TrimRight(ecommerceURL, "/") + "/basket/add/?sku=" + mode.SKU
	}
	return "/verify_student/upgrade/" + courseKey.String() + "/"
}
