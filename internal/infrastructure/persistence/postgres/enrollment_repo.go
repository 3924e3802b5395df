package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
)

// EnrollmentRepository implements enrollment.Repository.
type EnrollmentRepository struct {
	conn *Connection
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(conn *Connection) *EnrollmentRepository {
	return &EnrollmentRepository{conn: conn}
}

// GetEnrollment implements enrollment.Repository.
func (r *EnrollmentRepository) GetEnrollment(ctx context.Context, userID int64, courseKey course.CourseKey) (*enrollment.Enrollment, error) {
	e := enrollment.Enrollment{UserID: userID, CourseKey: courseKey}
	var mode string
	err := r.conn.QueryRow(ctx, `
		SELECT mode, is_active, created_at FROM enrollments
		WHERE user_id = $1 AND course_id = $2`,
		userID, courseKey.String(),
	).Scan(&mode, &e.IsActive, &e.CreatedAt)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read enrollment: %w", err)
	}
	e.Mode = enrollment.Mode(mode)
	return &e, nil
}

// SaveEnrollment implements enrollment.Repository.
func (r *EnrollmentRepository) SaveEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn.Exec(ctx, `
		INSERT INTO enrollments (user_id, course_id, mode, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, course_id) DO UPDATE
		SET mode = EXCLUDED.mode, is_active = EXCLUDED.is_active`,
		e.UserID, e.CourseKey.String(), string(e.Mode), e.IsActive, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	return nil
}

// CourseModes implements enrollment.Repository.
func (r *EnrollmentRepository) CourseModes(ctx context.Context, courseKey course.CourseKey) ([]enrollment.CourseMode, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT mode_slug, display_name, min_price, currency, sku, expiration_datetime
		FROM course_modes WHERE course_id = $1 ORDER BY mode_slug`,
		courseKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query course modes: %w", err)
	}
	defer rows.Close()

	var modes []enrollment.CourseMode
	for rows.Next() {
		m := enrollment.CourseMode{CourseKey: courseKey}
		var slug string
		if err := rows.Scan(&slug, &m.DisplayName, &m.MinPrice, &m.Currency, &m.SKU, &m.Expiration); err != nil {
			return nil, fmt.Errorf("failed to scan course mode: %w", err)
		}
		m.Slug = enrollment.Mode(slug)
		modes = append(modes, m)
	}
	return modes, rows.Err()
}

// SaveCourseMode implements enrollment.Repository.
func (r *EnrollmentRepository) SaveCourseMode(ctx context.Context, m enrollment.CourseMode) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO course_modes (course_id, mode_slug, display_name, min_price, currency, sku, expiration_datetime)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (course_id, mode_slug) DO UPDATE
		SET display_name = EXCLUDED.display_name, min_price = EXCLUDED.min_price, currency = EXCLUDED.currency,
		    sku = EXCLUDED.sku, expiration_datetime = EXCLUDED.expiration_datetime`,
		m.CourseKey.String(), string(m.Slug), m.DisplayName, m.MinPrice, m.Currency, m.SKU, m.Expiration)
	if err != nil {
		return fmt.Errorf("failed to save course mode: %w", err)
	}
	return nil
}
