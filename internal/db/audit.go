package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Audit actions recorded by the admin handlers.
const (
	AuditSelect     = "select"
	AuditDelete     = "delete"
	AuditUpdatePost = "update_post"
	AuditLogin      = "login"
)

// AuditEntry is one admin action. Details is stored as JSONB.
type AuditEntry struct {
	ID        int64           `json:"id"`
	Admin     string          `json:"admin"`
	Action    string          `json:"action"`
	StudentID *uuid.UUID      `json:"studentId,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toJSONB(details any) (pqtype.NullRawMessage, error) {
	if details == nil {
		return pqtype.NullRawMessage{}, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: b, Valid: true}, nil
}

// RecordAudit appends an audit entry. studentID may be nil.
func (s *Store) RecordAudit(ctx context.Context, admin, action string, studentID *uuid.UUID, details any) error {
	payload, err := toJSONB(details)
	if err != nil {
		return err
	}
	var sid uuid.NullUUID
	if studentID != nil {
		sid = uuid.NullUUID{UUID: *studentID, Valid: true}
	}
	return s.observe(ctx, "record_audit", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO admin_audit (admin, action, student_id, details) VALUES ($1, $2, $3, $4)`,
			admin, action, sid, payload)
		return err
	})
}

// RecentAudit returns the newest entries first. limit <= 0 means 50.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []AuditEntry{}
	err := s.observe(ctx, "recent_audit", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, admin, action, student_id, details, created_at FROM admin_audit ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e       AuditEntry
				sid     uuid.NullUUID
				details pqtype.NullRawMessage
			)
			if err := rows.Scan(&e.ID, &e.Admin, &e.Action, &sid, &details, &e.CreatedAt); err != nil {
				return err
			}
			if sid.Valid {
				id := sid.UUID
				e.StudentID = &id
			}
			if details.Valid {
				e.Details = details.RawMessage
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
