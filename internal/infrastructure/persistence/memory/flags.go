package memory

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

// FlagStore is an in-memory grades.FlagStore keeping only the latest rows.
type FlagStore struct {
	mu      sync.RWMutex
	global  *grades.GlobalFlag
	courses *xsync.Map[course.CourseKey, grades.CourseFlag]
}

// NewFlagStore creates a store with no rows, which reads as disabled.
func NewFlagStore() *FlagStore {
	return &FlagStore{courses: xsync.NewMap[course.CourseKey, grades.CourseFlag]()}
}

// CurrentGlobal implements grades.FlagStore.
func (s *FlagStore) CurrentGlobal(context.Context) (*grades.GlobalFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.global == nil {
		return nil, nil
	}
	g := *s.global
	return &g, nil
}

// CurrentForCourse implements grades.FlagStore.
func (s *FlagStore) CurrentForCourse(_ context.Context, k course.CourseKey) (*grades.CourseFlag, error) {
	f, ok := s.courses.Load(k)
	if !ok {
		return nil, nil
	}
	return &f, nil
}

// SetGlobal implements grades.FlagStore.
func (s *FlagStore) SetGlobal(_ context.Context, f grades.GlobalFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = &f
	return nil
}

// SetCourse implements grades.FlagStore.
func (s *FlagStore) SetCourse(_ context.Context, f grades.CourseFlag) error {
	s.courses.Store(f.CourseKey, f)
	return nil
}

type enrollmentKey struct {
	userID    int64
	courseKey course.CourseKey
}

// EnrollmentRepository is an in-memory enrollment.Repository.
type EnrollmentRepository struct {
	enrollments *xsync.Map[enrollmentKey, enrollment.Enrollment]
	modes       *xsync.Map[course.CourseKey, []enrollment.CourseMode]
}

// NewEnrollmentRepository creates an empty repository.
func NewEnrollmentRepository() *EnrollmentRepository {
	return &EnrollmentRepository{
		enrollments: xsync.NewMap[enrollmentKey, enrollment.Enrollment](),
		modes:       xsync.NewMap[course.CourseKey, []enrollment.CourseMode](),
	}
}

// GetEnrollment implements enrollment.Repository.
func (r *EnrollmentRepository) GetEnrollment(_ context.Context, userID int64, k course.CourseKey) (*enrollment.Enrollment, error) {
	e, ok := r.enrollments.Load(enrollmentKey{userID, k})
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// SaveEnrollment implements enrollment.Repository.
func (r *EnrollmentRepository) SaveEnrollment(_ context.Context, e *enrollment.Enrollment) error {
	r.enrollments.Store(enrollmentKey{e.UserID, e.CourseKey}, *e)
	return nil
}

// CourseModes implements enrollment.Repository.
func (r *EnrollmentRepository) CourseModes(_ context.Context, k course.CourseKey) ([]enrollment.CourseMode, error) {
	modes, _ := r.modes.Load(k)
	return append([]enrollment.CourseMode(nil), modes...), nil
}

// SaveCourseMode implements enrollment.Repository. A mode with the same slug
// is replaced.
func (r *EnrollmentRepository) SaveCourseMode(_ context.Context, m enrollment.CourseMode) error {
	r.modes.Compute(m.CourseKey, func(old []enrollment.CourseMode, _ bool) ([]enrollment.CourseMode, xsync.ComputeOp) {
		next := make([]enrollment.CourseMode, 0, len(old)+1)
		for _, existing := range old {
			if existing.Slug != m.Slug {
				next = append(next, existing)
			}
		}
		return append(next, m), xsync.UpdateOp
	})
	return nil
}
