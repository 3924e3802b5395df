// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET VERIFICATION CONTEXT QUERY
// Decides whether the course page shows the "upgrade to verified" sock and
// what price and link it carries.
// ══════════════════════════════════════════════════════════════════════════════

// GetVerificationContextQuery identifies the page being rendered.
type GetVerificationContextQuery struct {
	UserID   int64
	CourseID string

	// Masquerade is set when staff view the page as someone else.
	Masquerade *enrollment.Masquerade
}

// VerificationContextDTO is what the sock fragment needs.
type VerificationContextDTO struct {
	ShowCourseSock bool              `json:"show_course_sock"`
	CourseID       string            `json:"course_id"`
	CoursePrice    *enrollment.Price `json:"course_price,omitempty"`
	UpgradeURL     string            `json:"upgrade_url,omitempty"`
	Deadline       *time.Time        `json:"upgrade_deadline,omitempty"`
}

// CourseFeatures answers course experience flags.
type CourseFeatures interface {
	CourseSockEnabled(userID int64, courseID string) bool
}

// Discounts returns an active discount percent for a learner, 0 for none.
type Discounts interface {
	DiscountPercent(ctx context.Context, userID int64, courseKey course.CourseKey) (float64, error)
}

// CommerceConfig points at the checkout.
type CommerceConfig struct {
	EcommerceURL        string
	CheckoutOnEcommerce bool
}

// GetVerificationContextHandler handles GetVerificationContextQuery.
type GetVerificationContextHandler struct {
	enrollments enrollment.Repository
	features    CourseFeatures
	discounts   Discounts
	commerce    CommerceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewGetVerificationContextHandler creates the handler. discounts may be nil.
func NewGetVerificationContextHandler(
	enrollments enrollment.Repository,
	features CourseFeatures,
	discounts Discounts,
	commerce CommerceConfig,
	logger *slog.Logger,
) *GetVerificationContextHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetVerificationContextHandler{
		enrollments: enrollments,
		features:    features,
		discounts:   discounts,
		commerce:    commerce,
		logger:      logger.With("handler", "get_verification_context"),
		now:         time.Now,
	}
}

// Handle evaluates the sock for one learner and course.
func (h *GetVerificationContextHandler) Handle(ctx context.Context, q GetVerificationContextQuery) (*VerificationContextDTO, error) {
	courseKey, err := course.ParseCourseKey(q.CourseID)
	if err != nil {
		return nil, err
	}

	dto := &VerificationContextDTO{CourseID: courseKey.String()}
	if h.features != nil && !h.features.CourseSockEnabled(q.UserID, dto.CourseID) {
		return dto, nil
	}

	modes, err := h.enrollments.CourseModes(ctx, courseKey)
	if err != nil {
		return nil, fmt.Errorf("load course modes: %w", err)
	}
	verified, ok := enrollment.FindMode(modes, enrollment.Verified)
	if !ok {
		return dto, nil
	}

	enr, err := h.enrollments.GetEnrollment(ctx, q.UserID, courseKey)
	if err != nil && !shared.IsNotFound(err) {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}

	track := enrollment.CurrentTrack(enr, q.Masquerade)
	dto.ShowCourseSock = enrollment.ShouldShowUpgradeBanner(enr, modes, track, h.now())
	if !dto.ShowCourseSock {
		return dto, nil
	}

	percent := 0.0
	if h.discounts != nil {
		if percent, err = h.discounts.DiscountPercent(ctx, q.UserID, courseKey); err != nil {
			h.logger.Warn("discount lookup failed, showing full price", "user_id", q.UserID, "error", err)
			percent = 0
		}
	}

	price := enrollment.FormatStrikeoutPrice(verified, percent)
	dto.CoursePrice = &price
	dto.UpgradeURL = enrollment.UpgradeURL(h.commerce.EcommerceURL, h.commerce.CheckoutOnEcommerce, verified, courseKey)
	dto.Deadline = enr.UpgradeDeadline(modes)
	return dto, nil
}
