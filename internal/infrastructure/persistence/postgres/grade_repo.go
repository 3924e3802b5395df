package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/pkg/identity"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBSECTION GRADES
// ══════════════════════════════════════════════════════════════════════════════

// GradeRepository implements grades.GradeStore. The version column is the
// optimistic concurrency token.
type GradeRepository struct {
	conn *Connection
}

// NewGradeRepository creates a new GradeRepository.
func NewGradeRepository(conn *Connection) *GradeRepository {
	return &GradeRepository{conn: conn}
}

const gradeColumns = `user_id, course_id, usage_key, earned, possible, is_complete, graded, format, problems, version, modified_at`

// Read implements grades.GradeStore.
func (r *GradeRepository) Read(ctx context.Context, userID int64, subsection course.UsageKey) (*grades.SubsectionGrade, error) {
	row := r.conn.QueryRow(ctx,
		`SELECT `+gradeColumns+` FROM persistent_subsection_grades WHERE user_id = $1 AND usage_key = $2`,
		userID, subsection.String())

	g, err := scanGrade(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subsection grade: %w", err)
	}
	return g, nil
}

// Write implements grades.GradeStore. Version zero inserts; any other
// version updates only if the stored row still carries it.
func (r *GradeRepository) Write(ctx context.Context, g *grades.SubsectionGrade) error {
	problems, err := json.Marshal(g.Problems)
	if err != nil {
		return fmt.Errorf("failed to encode problem scores: %w", err)
	}
	if g.ModifiedAt.IsZero() {
		g.ModifiedAt = time.Now().UTC()
	}

	var version int64
	if g.Version == 0 {
		err = r.conn.QueryRow(ctx, `
			INSERT INTO persistent_subsection_grades
				(user_id, course_id, usage_key, earned, possible, is_complete, graded, format, problems, version, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
			RETURNING version`,
			g.UserID, g.CourseKey.String(), g.Subsection.String(), g.Earned, g.Possible,
			g.IsComplete, g.Graded, g.Format, problems, g.ModifiedAt,
		).Scan(&version)
	} else {
		err = r.conn.QueryRow(ctx, `
			UPDATE persistent_subsection_grades
			SET earned = $4, possible = $5, is_complete = $6, graded = $7, format = $8,
			    problems = $9, modified_at = $10, version = version + 1
			WHERE user_id = $1 AND usage_key = $2 AND version = $3
			RETURNING version`,
			g.UserID, g.Subsection.String(), g.Version, g.Earned, g.Possible,
			g.IsComplete, g.Graded, g.Format, problems, g.ModifiedAt,
		).Scan(&version)
	}

	switch {
	case err == nil:
		g.Version = version
		return nil
	case IsNoRows(err), IsUniqueViolation(err), IsSerializationFailure(err):
		return grades.NewConflictError(g, err)
	default:
		return fmt.Errorf("failed to write subsection grade: %w", err)
	}
}

// ListForCourse implements grades.GradeStore.
func (r *GradeRepository) ListForCourse(ctx context.Context, userID int64, courseKey course.CourseKey) ([]*grades.SubsectionGrade, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT `+gradeColumns+` FROM persistent_subsection_grades WHERE user_id = $1 AND course_id = $2 ORDER BY usage_key`,
		userID, courseKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list subsection grades: %w", err)
	}
	defer rows.Close()

	var out []*grades.SubsectionGrade
	for rows.Next() {
		g, err := scanGrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subsection grade: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrade(row pgx.Row) (*grades.SubsectionGrade, error) {
	var (
		g                  grades.SubsectionGrade
		courseID, usageKey string
		problems           []byte
	)
	err := row.Scan(&g.UserID, &courseID, &usageKey, &g.Earned, &g.Possible,
		&g.IsComplete, &g.Graded, &g.Format, &problems, &g.Version, &g.ModifiedAt)
	if err != nil {
		return nil, err
	}

	if g.CourseKey, err = course.ParseCourseKey(courseID); err != nil {
		return nil, err
	}
	if g.Subsection, err = course.ParseUsageKey(usageKey); err != nil {
		return nil, err
	}
	g.Problems = make(map[course.UsageKey]grades.Score)
	if len(problems) > 0 {
		if err := json.Unmarshal(problems, &g.Problems); err != nil {
			return nil, fmt.Errorf("decode problems: %w", err)
		}
	}
	return &g, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBLEM SCORES
// ══════════════════════════════════════════════════════════════════════════════

// ScoreRepository implements grades.ScoreStore over the problem_scores
// table, which is keyed by anonymous learner id.
type ScoreRepository struct {
	conn *Connection
	ids  *identity.AnonymousIDs
}

// NewScoreRepository creates a new ScoreRepository.
func NewScoreRepository(conn *Connection, ids *identity.AnonymousIDs) *ScoreRepository {
	return &ScoreRepository{conn: conn, ids: ids}
}

// ListForUser implements grades.ScoreStore with one query.
func (r *ScoreRepository) ListForUser(ctx context.Context, userID int64, courseKey course.CourseKey, usages []course.UsageKey) (map[course.UsageKey]grades.ProblemScore, error) {
	out := make(map[course.UsageKey]grades.ProblemScore, len(usages))
	if len(usages) == 0 {
		return out, nil
	}

	keys := make([]string, len(usages))
	for i, u := range usages {
		keys[i] = u.String()
	}

	rows, err := r.conn.Query(ctx, `
		SELECT usage_key, earned, possible, modified_at
		FROM problem_scores
		WHERE anonymous_user_id = $1 AND usage_key = ANY($2)`,
		r.ids.For(userID, courseKey.String()), keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query problem scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var usageKey string
		sc := grades.ProblemScore{UserID: userID}
		if err := rows.Scan(&usageKey, &sc.Earned, &sc.Possible, &sc.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan problem score: %w", err)
		}
		if sc.Usage, err = course.ParseUsageKey(usageKey); err != nil {
			return nil, err
		}
		out[sc.Usage] = sc
	}
	return out, rows.Err()
}

// Save implements grades.ScoreStore.
func (r *ScoreRepository) Save(ctx context.Context, courseKey course.CourseKey, score grades.ProblemScore) error {
	if score.ModifiedAt.IsZero() {
		score.ModifiedAt = time.Now().UTC()
	}
	_, err := r.conn.Exec(ctx, `
		INSERT INTO problem_scores (anonymous_user_id, usage_key, user_id, course_id, earned, possible, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (anonymous_user_id, usage_key) DO UPDATE
		SET earned = EXCLUDED.earned, possible = EXCLUDED.possible, modified_at = EXCLUDED.modified_at`,
		r.ids.For(score.UserID, courseKey.String()), score.Usage.String(), score.UserID, courseKey.String(),
		score.Earned, score.Possible, score.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to save problem score: %w", err)
	}
	return nil
}

// Delete implements grades.ScoreStore.
func (r *ScoreRepository) Delete(ctx context.Context, userID int64, courseKey course.CourseKey, usage course.UsageKey) error {
	_, err := r.conn.Exec(ctx,
		`DELETE FROM problem_scores WHERE anonymous_user_id = $1 AND usage_key = $2`,
		r.ids.For(userID, courseKey.String()), usage.String())
	if err != nil {
		return fmt.Errorf("failed to delete problem score: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COURSE GRADES
// ══════════════════════════════════════════════════════════════════════════════

// CourseGradeRepository implements grades.CourseGradeStore.
type CourseGradeRepository struct {
	conn *Connection
}

// NewCourseGradeRepository creates a new CourseGradeRepository.
func NewCourseGradeRepository(conn *Connection) *CourseGradeRepository {
	return &CourseGradeRepository{conn: conn}
}

// Read implements grades.CourseGradeStore.
func (r *CourseGradeRepository) Read(ctx context.Context, userID int64, courseKey course.CourseKey) (*grades.CourseGrade, error) {
	g := grades.CourseGrade{UserID: userID, CourseKey: courseKey}
	err := r.conn.QueryRow(ctx, `
		SELECT earned, possible, percent, passed, modified_at
		FROM persistent_course_grades WHERE user_id = $1 AND course_id = $2`,
		userID, courseKey.String(),
	).Scan(&g.Earned, &g.Possible, &g.Percent, &g.Passed, &g.ModifiedAt)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read course grade: %w", err)
	}
	return &g, nil
}

// Save implements grades.CourseGradeStore.
func (r *CourseGradeRepository) Save(ctx context.Context, g *grades.CourseGrade) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO persistent_course_grades (user_id, course_id, earned, possible, percent, passed, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, course_id) DO UPDATE
		SET earned = EXCLUDED.earned, possible = EXCLUDED.possible, percent = EXCLUDED.percent,
		    passed = EXCLUDED.passed, modified_at = EXCLUDED.modified_at`,
		g.UserID, g.CourseKey.String(), g.Earned, g.Possible, g.Percent, g.Passed, g.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to save course grade: %w", err)
	}
	return nil
}
