package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrDuplicateEmail is returned when an applicant registers an email twice.
var ErrDuplicateEmail = errors.New("db: email already registered")

// Student is one committee applicant.
type Student struct {
	ID           uuid.UUID `json:"id"`
	FullName     string    `json:"full_name"`
	IDNo         string    `json:"ID_no"`
	Batch        *string   `json:"batch"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	Department   string    `json:"department"`
	Gender       string    `json:"gender"`
	ApplyForPost string    `json:"apply_for_post"`
	PhotoURL     string    `json:"photo_url"`
	Note         string    `json:"note"`
	Selected     bool      `json:"selected"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewStudent carries the validated registration form.
type NewStudent struct {
	FullName     string
	IDNo         string
	Batch        string
	Phone        string
	Email        string
	Department   string
	Gender       string
	ApplyForPost string
	PhotoURL     string
	Note         string
}

// StudentFilter narrows ListStudents. Empty fields are ignored.
type StudentFilter struct {
	Search     string // case-insensitive substring of name, email or ID
	Post       string
	Department string
	Batch      string
}

// StudentStats are the dashboard counters.
type StudentStats struct {
	Total    int64 `json:"total"`
	Selected int64 `json:"selected"`
	Pending  int64 `json:"pending"`
}

const studentColumns = `id, full_name, id_no, batch, phone, email, department, gender, apply_for_post, photo_url, note, selected, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (Student, error) {
	var (
		st    Student
		batch sql.NullString
	)
	err := row.Scan(&st.ID, &st.FullName, &st.IDNo, &batch, &st.Phone, &st.Email,
		&st.Department, &st.Gender, &st.ApplyForPost, &st.PhotoURL, &st.Note, &st.Selected, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, err
	}
	if batch.Valid {
		st.Batch = &batch.String
	}
	return st, nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateStudent inserts an applicant with a fresh id.
func (s *Store) CreateStudent(ctx context.Context, in NewStudent) (Student, error) {
	var out Student
	err := s.observe(ctx, "create_student", func(ctx context.Context) error {
		const stmt = `
			INSERT INTO students (id, full_name, id_no, batch, phone, email, department, gender, apply_for_post, photo_url, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING ` + studentColumns
		row := s.db.QueryRowContext(ctx, stmt,
			uuid.New(), in.FullName, in.IDNo, nullIfEmpty(in.Batch), in.Phone, in.Email,
			in.Department, in.Gender, in.ApplyForPost, in.PhotoURL, in.Note)
		st, err := scanStudent(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateEmail
			}
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// StudentByEmail returns ErrNotFound when no applicant uses email.
func (s *Store) StudentByEmail(ctx context.Context, email string) (Student, error) {
	var out Student
	err := s.observe(ctx, "student_by_email", func(ctx context.Context) error {
		st, err := scanStudent(s.db.QueryRowContext(ctx,
			`SELECT `+studentColumns+` FROM students WHERE email = $1`, email))
		out = st
		return err
	})
	return out, err
}

// StudentByID returns ErrNotFound for an unknown id.
func (s *Store) StudentByID(ctx context.Context, id uuid.UUID) (Student, error) {
	var out Student
	err := s.observe(ctx, "student_by_id", func(ctx context.Context) error {
		st, err := scanStudent(s.db.QueryRowContext(ctx,
			`SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
		out = st
		return err
	})
	return out, err
}

// likePattern escapes LIKE metacharacters and wraps s for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// buildListQuery renders the filtered listing, newest first.
func buildListQuery(f StudentFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		p := arg(likePattern(q))
		where = append(where, fmt.Sprintf(`(full_name ILIKE %[1]s ESCAPE '\' OR email ILIKE %[1]s ESCAPE '\' OR id_no ILIKE %[1]s ESCAPE '\')`, p))
	}
	if f.Post != "" {
		where = append(where, "apply_for_post = "+arg(f.Post))
	}
	if f.Department != "" {
		where = append(where, "department = "+arg(f.Department))
	}
	if f.Batch != "" {
		where = append(where, "batch = "+arg(f.Batch))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + studentColumns + " FROM students")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC")
	return sb.String(), args
}

// ListStudents returns applicants matching f, newest first.
func (s *Store) ListStudents(ctx context.Context, f StudentFilter) ([]Student, error) {
	out := []Student{}
	err := s.observe(ctx, "list_students", func(ctx context.Context) error {
		query, args := buildListQuery(f)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			st, err := scanStudent(rows)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return rows.Err()
	})
	return out, err
}

// Stats counts all, selected and pending applicants in one pass.
func (s *Store) Stats(ctx context.Context) (StudentStats, error) {
	var st StudentStats
	err := s.observe(ctx, "student_stats", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT count(*), count(*) FILTER (WHERE selected) FROM students`).Scan(&st.Total, &st.Selected)
	})
	st.Pending = st.Total - st.Selected
	return st, err
}

// CountStudents returns the number of applicants.
func (s *Store) CountStudents(ctx context.Context) (int64, error) {
	var n int64
	err := s.observe(ctx, "count_students", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT count(*) FROM students`).Scan(&n)
	})
	return n, err
}

// CountSelected returns the number of selected applicants.
func (s *Store) CountSelected(ctx context.Context) (int64, error) {
	var n int64
	err := s.observe(ctx, "count_selected", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT count(*) FROM students WHERE selected`).Scan(&n)
	})
	return n, err
}

// DepartmentBreakdown counts applicants per department.
func (s *Store) DepartmentBreakdown(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.observe(ctx, "department_breakdown", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT department, count(*) FROM students GROUP BY department`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				dept string
				n    int64
			)
			if err := rows.Scan(&dept, &n); err != nil {
				return err
			}
			out[dept] = n
		}
		return rows.Err()
	})
	return out, err
}

// MarkSelected flags the applicant as selected and returns the updated row.
func (s *Store) MarkSelected(ctx context.Context, id uuid.UUID) (Student, error) {
	var out Student
	err := s.observe(ctx, "mark_selected", func(ctx context.Context) error {
		st, err := scanStudent(s.db.QueryRowContext(ctx,
			`UPDATE students SET selected = true WHERE id = $1 RETURNING `+studentColumns, id))
		out = st
		return err
	})
	return out, err
}

// UpdatePost moves the applicant to another post and returns the updated row.
func (s *Store) UpdatePost(ctx context.Context, id uuid.UUID, post string) (Student, error) {
	var out Student
	err := s.observe(ctx, "update_post", func(ctx context.Context) error {
		st, err := scanStudent(s.db.QueryRowContext(ctx,
			`UPDATE students SET apply_for_post = $2 WHERE id = $1 RETURNING `+studentColumns, id, post))
		out = st
		return err
	})
	return out, err
}

// DeleteStudent removes the applicant. It returns ErrNotFound when nothing was deleted.
func (s *Store) DeleteStudent(ctx context.Context, id uuid.UUID) error {
	return s.observe(ctx, "delete_student", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
