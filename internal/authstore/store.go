// Package authstore persists admin accounts.
package authstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/logger"
)

// Admin is a stored admin login.
type Admin struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Store reads and writes the admins table.
type Store struct{ db db.DBTX }

func New(conn db.DBTX) *Store { return &Store{db: conn} }

// ByUsername returns db.ErrNotFound for an unknown username.
func (s *Store) ByUsername(ctx context.Context, username string) (Admin, error) {
	const q = `SELECT id, username, password_hash, created_at FROM admins WHERE username = $1`
	var a Admin
	err := s.db.QueryRowContext(ctx, q, username).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Admin{}, db.ErrNotFound
	}
	if err != nil {
		return Admin{}, err
	}
	return a, nil
}

// Upsert stores username with an already hashed password.
func (s *Store) Upsert(ctx context.Context, username, passwordHash string) (Admin, error) {
	const stmt = `
		INSERT INTO admins (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING id, username, password_hash, created_at`
	var a Admin
	err := s.db.QueryRowContext(ctx, stmt, username, passwordHash).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		return Admin{}, err
	}
	return a, nil
}

// Seed creates the given username/password admins that do not exist yet.
// Existing accounts keep their password. It returns how many were created.
func (s *Store) Seed(ctx context.Context, admins map[string]string, cost int) (int, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	names := make([]string, 0, len(admins))
	for name := range admins {
		names = append(names, name)
	}
	sort.Strings(names)

	const stmt = `INSERT INTO admins (username, password_hash) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`
	created := 0
	for _, name := range names {
		hash, err := bcrypt.GenerateFromPassword([]byte(admins[name]), cost)
		if err != nil {
			return created, err
		}
		res, err := s.db.ExecContext(ctx, stmt, name, string(hash))
		if err != nil {
			return created, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
			logger.InfoContext(ctx, "Seeded admin account", "username", name)
		}
	}
	return created, nil
}
