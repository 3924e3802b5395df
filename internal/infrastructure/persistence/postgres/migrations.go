package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}

		err := m.conn.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		count++
	}
	return count, nil
}

// Rollback reverts the latest applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status lists every embedded migration with its applied time.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_grades", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_flags", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_enrollments", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "create_task_dead_letters", UpSQL: migration004Up, DownSQL: migration004Down},
		{Version: 5, Name: "add_dead_letter_replays", UpSQL: migration005Up, DownSQL: migration005Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: GRADES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Raw problem scores written by the scoring pipeline, keyed by anonymous id.
CREATE TABLE IF NOT EXISTS problem_scores (
    anonymous_user_id VARCHAR(64) NOT NULL,
    usage_key VARCHAR(255) NOT NULL,
    user_id BIGINT NOT NULL,
    course_id VARCHAR(255) NOT NULL,
    earned DOUBLE PRECISION NOT NULL,
    possible DOUBLE PRECISION NOT NULL,
    modified_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (anonymous_user_id, usage_key),
    CONSTRAINT valid_score CHECK (earned >= 0 AND possible >= 0)
);

CREATE TABLE IF NOT EXISTS persistent_subsection_grades (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    course_id VARCHAR(255) NOT NULL,
    usage_key VARCHAR(255) NOT NULL,
    earned DOUBLE PRECISION NOT NULL,
    possible DOUBLE PRECISION NOT NULL,
    is_complete BOOLEAN NOT NULL DEFAULT FALSE,
    graded BOOLEAN NOT NULL DEFAULT FALSE,
    format VARCHAR(64) NOT NULL DEFAULT '',
    problems JSONB NOT NULL DEFAULT '{}'::jsonb,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    modified_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE (user_id, usage_key)
);

CREATE INDEX IF NOT EXISTS idx_subsection_grades_user_course ON persistent_subsection_grades(user_id, course_id);

CREATE TABLE IF NOT EXISTS persistent_course_grades (
    user_id BIGINT NOT NULL,
    course_id VARCHAR(255) NOT NULL,
    earned DOUBLE PRECISION NOT NULL,
    possible DOUBLE PRECISION NOT NULL,
    percent DOUBLE PRECISION NOT NULL,
    passed BOOLEAN NOT NULL DEFAULT FALSE,
    modified_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, course_id)
);
`

const migration001Down = `
DROP TABLE IF EXISTS persistent_course_grades;
DROP TABLE IF EXISTS persistent_subsection_grades;
DROP TABLE IF EXISTS problem_scores;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: FLAGS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Append-only: the newest row is the current value.
CREATE TABLE IF NOT EXISTS persistent_grades_global_flags (
    id BIGSERIAL PRIMARY KEY,
    enabled BOOLEAN NOT NULL,
    enabled_for_all_courses BOOLEAN NOT NULL DEFAULT FALSE,
    changed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS persistent_grades_course_flags (
    id BIGSERIAL PRIMARY KEY,
    course_id VARCHAR(255) NOT NULL,
    enabled BOOLEAN NOT NULL,
    changed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_course_flags_course ON persistent_grades_course_flags(course_id, id DESC);
`

const migration002Down = `
DROP TABLE IF EXISTS persistent_grades_course_flags;
DROP TABLE IF EXISTS persistent_grades_global_flags;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: ENROLLMENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS course_modes (
    course_id VARCHAR(255) NOT NULL,
    mode_slug VARCHAR(100) NOT NULL,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    min_price INTEGER NOT NULL DEFAULT 0,
    currency VARCHAR(8) NOT NULL DEFAULT 'usd',
    sku VARCHAR(255) NOT NULL DEFAULT '',
    expiration_datetime TIMESTAMP WITH TIME ZONE,

    PRIMARY KEY (course_id, mode_slug)
);

CREATE TABLE IF NOT EXISTS enrollments (
    user_id BIGINT NOT NULL,
    course_id VARCHAR(255) NOT NULL,
    mode VARCHAR(100) NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, course_id)
);
`

const migration003Down = `
DROP TABLE IF EXISTS enrollments;
DROP TABLE IF EXISTS course_modes;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: TASK DEAD LETTERS
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE TABLE IF NOT EXISTS task_dead_letters (
    id UUID PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    task_name VARCHAR(100) NOT NULL,
    payload JSONB NOT NULL,
    reason VARCHAR(64) NOT NULL,
    error TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    failed_at TIMESTAMP WITH TIME ZONE NOT NULL,
    replayed_at TIMESTAMP WITH TIME ZONE
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_replayable ON task_dead_letters(reason, failed_at) WHERE replayed_at IS NULL;
`

const migration004Down = `
DROP TABLE IF EXISTS task_dead_letters;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 005: DEAD LETTER REPLAY COUNT
// ══════════════════════════════════════════════════════════════════════════════

const migration005Up = `
ALTER TABLE task_dead_letters ADD COLUMN IF NOT EXISTS replays INTEGER NOT NULL DEFAULT 0;
`

const migration005Down = `
ALTER TABLE task_dead_letters DROP COLUMN IF EXISTS replays;
`
