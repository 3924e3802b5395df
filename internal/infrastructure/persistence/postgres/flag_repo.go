package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
)

// FlagRepository implements grades.FlagStore over append-only flag tables.
type FlagRepository struct {
	conn *Connection
}

// NewFlagRepository creates a new FlagRepository.
func NewFlagRepository(conn *Connection) *FlagRepository {
	return &FlagRepository{conn: conn}
}

// CurrentGlobal implements grades.FlagStore.
func (r *FlagRepository) CurrentGlobal(ctx context.Context) (*grades.GlobalFlag, error) {
	var f grades.GlobalFlag
	err := r.conn.QueryRow(ctx, `
		SELECT enabled, enabled_for_all_courses, changed_at
		FROM persistent_grades_global_flags
		ORDER BY id DESC LIMIT 1`,
	).Scan(&f.Enabled, &f.EnabledForAllCourses, &f.ChangedAt)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read global flag: %w", err)
	}
	return &f, nil
}

// CurrentForCourse implements grades.FlagStore.
func (r *FlagRepository) CurrentForCourse(ctx context.Context, courseKey course.CourseKey) (*grades.CourseFlag, error) {
	f := grades.CourseFlag{CourseKey: courseKey}
	err := r.conn.QueryRow(ctx, `
		SELECT enabled, changed_at
		FROM persistent_grades_course_flags
		WHERE course_id = $1
		ORDER BY id DESC LIMIT 1`,
		courseKey.String(),
	).Scan(&f.Enabled, &f.ChangedAt)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read course flag: %w", err)
	}
	return &f, nil
}

// SetGlobal implements grades.FlagStore.
func (r *FlagRepository) SetGlobal(ctx context.Context, f grades.GlobalFlag) error {
	if f.ChangedAt.IsZero() {
		f.ChangedAt = time.Now().UTC()
	}
	_, err := r.conn.Exec(ctx, `
		INSERT INTO persistent_grades_global_flags (enabled, enabled_for_all_courses, changed_at)
		VALUES ($1, $2, $3)`,
		f.Enabled, f.EnabledForAllCourses, f.ChangedAt)
	if err != nil {
		return fmt.Errorf("failed to write global flag: %w", err)
	}
	return nil
}

// SetCourse implements grades.FlagStore.
func (r *FlagRepository) SetCourse(ctx context.Context, f grades.CourseFlag) error {
	if f.ChangedAt.IsZero() {
		f.ChangedAt = time.Now().UTC()
	}
	_, err := r.conn.Exec(ctx, `
		INSERT INTO persistent_grades_course_flags (course_id, enabled, changed_at)
		VALUES ($1, $2, $3)`,
		f.CourseKey.String(), f.Enabled, f.ChangedAt)
	if err != nil {
		return fmt.Errorf("failed to write course flag: %w", err)
	}
	return nil
}
