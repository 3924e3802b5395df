package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/persistence/memory"
)

const demoCourse = "course-v1:edX+DemoX+2024"

type staticFeatures bool

func (f staticFeatures) CourseSockEnabled(int64, string) bool { return bool(f) }

type fixedDiscount float64

func (d fixedDiscount) DiscountPercent(context.Context, int64, course.CourseKey) (float64, error) {
	return float64(d), nil
}

func sockFixture(t *testing.T, mode enrollment.Mode, deadline time.Time) *memory.EnrollmentRepository {
	t.Helper()
	ctx := context.Background()
	ck := course.MustParseCourseKey(demoCourse)
	repo := memory.NewEnrollmentRepository()

	require.NoError(t, repo.SaveCourseMode(ctx, enrollment.CourseMode{CourseKey: ck, Slug: enrollment.Audit}))
	require.NoError(t, repo.SaveCourseMode(ctx, enrollment.CourseMode{
		CourseKey:  ck,
		Slug:       enrollment.Verified,
		MinPrice:   49,
		Currency:   "usd",
		SKU:        "ABC123",
		Expiration: &deadline,
	}))
	require.NoError(t, repo.SaveEnrollment(ctx, &enrollment.Enrollment{
		UserID:    3,
		CourseKey: ck,
		Mode:      mode,
		IsActive:  true,
	}))
	return repo
}

func newSockHandler(repo enrollment.Repository, enabled bool, discounts Discounts) *GetVerificationContextHandler {
	h := NewGetVerificationContextHandler(repo, staticFeatures(enabled), discounts,
		CommerceConfig{EcommerceURL: "https://ecommerce.example.com/", CheckoutOnEcommerce: true}, nil)
	h.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func TestVerificationContext_AuditLearnerSeesSock(t *testing.T) {
	repo := sockFixture(t, enrollment.Audit, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	h := newSockHandler(repo, true, nil)

	dto, err := h.Handle(context.Background(), GetVerificationContextQuery{UserID: 3, CourseID: demoCourse})
	require.NoError(t, err)

	assert.True(t, dto.ShowCourseSock)
	require.NotNil(t, dto.CoursePrice)
	assert.Equal(t, "$49", dto.CoursePrice.Display)
	assert.False(t, dto.CoursePrice.HasDiscount)
	assert.Equal(t, "https://ecommerce.example.com/basket/add/?sku=ABC123", dto.UpgradeURL)
	require.NotNil(t, dto.Deadline)
}

func TestVerificationContext_DiscountStrikesOutPrice(t *testing.T) {
	repo := sockFixture(t, enrollment.Audit, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	h := newSockHandler(repo, true, fixedDiscount(15))

	dto, err := h.Handle(context.Background(), GetVerificationContextQuery{UserID: 3, CourseID: demoCourse})
	require.NoError(t, err)
	require.NotNil(t, dto.CoursePrice)
	assert.Equal(t, "$41.65", dto.CoursePrice.Display)
	assert.Equal(t, "$49", dto.CoursePrice.Original)
}

func TestVerificationContext_Hidden(t *testing.T) {
	open := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	closed := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	group := 2 // verified

	tests := []struct {
		name       string
		mode       enrollment.Mode
		deadline   time.Time
		flag       bool
		userID     int64
		masquerade *enrollment.Masquerade
	}{
		{name: "flag off", mode: enrollment.Audit, deadline: open, flag: false, userID: 3},
		{name: "already verified", mode: enrollment.Verified, deadline: open, flag: true, userID: 3},
		{name: "deadline passed", mode: enrollment.Audit, deadline: closed, flag: true, userID: 3},
		{name: "not enrolled", mode: enrollment.Audit, deadline: open, flag: true, userID: 99},
		{name: "masquerading as verified track", mode: enrollment.Audit, deadline: open, flag: true, userID: 3,
			masquerade: &enrollment.Masquerade{Role: "student", GroupID: &group}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSockHandler(sockFixture(t, tt.mode, tt.deadline), tt.flag, nil)
			dto, err := h.Handle(context.Background(), GetVerificationContextQuery{
				UserID:     tt.userID,
				CourseID:   demoCourse,
				Masquerade: tt.masquerade,
			})
			require.NoError(t, err)
			assert.False(t, dto.ShowCourseSock)
			assert.Nil(t, dto.CoursePrice)
		})
	}
}

func TestVerificationContext_LocalUpgradePage(t *testing.T) {
	repo := sockFixture(t, enrollment.Honor, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	h := NewGetVerificationContextHandler(repo, nil, nil, CommerceConfig{}, nil)
	h.now = func() time.Time { return time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC) }

	dto, err := h.Handle(context.Background(), GetVerificationContextQuery{UserID: 3, CourseID: demoCourse})
	require.NoError(t, err)
	assert.True(t, dto.ShowCourseSock, "deadline day is still open")
	assert.Equal(t, "/verify_student/upgrade/"+demoCourse+"/", dto.UpgradeURL)
}

func TestVerificationContext_BadCourseID(t *testing.T) {
	h := newSockHandler(memory.NewEnrollmentRepository(), true, nil)
	_, err := h.Handle(context.Background(), GetVerificationContextQuery{UserID: 3, CourseID: "DemoX"})
	assert.True(t, shared.IsValidation(err))
}

func TestGetSubsectionGrade(t *testing.T) {
	ctx := context.Background()
	store := memory.NewGradeStore()
	ck := course.MustParseCourseKey(demoCourse)
	sub := course.NewUsageKey(ck, course.TypeSequential, "hw1")
	p1 := course.NewUsageKey(ck, course.TypeProblem, "p1")

	require.NoError(t, store.Write(ctx, &grades.SubsectionGrade{
		UserID:     3,
		CourseKey:  ck,
		Subsection: sub,
		Earned:     1,
		Possible:   2,
		IsComplete: true,
		Problems:   map[course.UsageKey]grades.Score{p1: {Earned: 1, Possible: 2}},
	}))

	h := NewGetSubsectionGradeHandler(store)

	dto, err := h.Handle(ctx, GetSubsectionGradeQuery{UserID: 3, CourseID: demoCourse, SubsectionID: sub.String()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, dto.Earned)
	assert.Equal(t, 2.0, dto.Possible)
	assert.Equal(t, 0.5, dto.Percent)
	assert.True(t, dto.IsComplete)
	assert.Equal(t, int64(1), dto.Version)
	assert.Equal(t, 1.0, dto.Problems[p1.String()])

	_, err = h.Handle(ctx, GetSubsectionGradeQuery{UserID: 4, CourseID: demoCourse, SubsectionID: sub.String()})
	assert.True(t, shared.IsNotFound(err))
}
