package db

import "context"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id             UUID PRIMARY KEY,
		full_name      TEXT NOT NULL,
		id_no          TEXT NOT NULL,
		batch          TEXT,
		phone          TEXT NOT NULL,
		email          TEXT NOT NULL UNIQUE,
		department     TEXT NOT NULL,
		gender         TEXT NOT NULL,
		apply_for_post TEXT NOT NULL,
		photo_url      TEXT NOT NULL,
		note           TEXT NOT NULL DEFAULT '',
		selected       BOOLEAN NOT NULL DEFAULT false,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS students_created_at_idx ON students (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS students_post_idx ON students (apply_for_post)`,
	`CREATE TABLE IF NOT EXISTS admins (
		id            BIGSERIAL PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit (
		id         BIGSERIAL PRIMARY KEY,
		admin      TEXT NOT NULL,
		action     TEXT NOT NULL,
		student_id UUID,
		details    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.observe(ctx, "ensure_schema", func(ctx context.Context) error {
		for _, stmt := range schema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
