// Package handlers implements the portal's HTTP endpoints.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/unrolled/render"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/errorreporting"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/mail"
)

// StudentStore is the persistence the applicant endpoints need.
type StudentStore interface {
	CreateStudent(ctx context.Context, in db.NewStudent) (db.Student, error)
	StudentByEmail(ctx context.Context, email string) (db.Student, error)
	StudentByID(ctx context.Context, id uuid.UUID) (db.Student, error)
	ListStudents(ctx context.Context, f db.StudentFilter) ([]db.Student, error)
	Stats(ctx context.Context) (db.StudentStats, error)
	DepartmentBreakdown(ctx context.Context) (map[string]int64, error)
	MarkSelected(ctx context.Context, id uuid.UUID) (db.Student, error)
	UpdatePost(ctx context.Context, id uuid.UUID, post string) (db.Student, error)
	DeleteStudent(ctx context.Context, id uuid.UUID) error
}

// AuditLog records and lists admin actions.
type AuditLog interface {
	RecordAudit(ctx context.Context, admin, action string, studentID *uuid.UUID, details any) error
	RecentAudit(ctx context.Context, limit int) ([]db.AuditEntry, error)
}

// Mailer sends the applicant notifications.
type Mailer interface {
	SendRegistration(ctx context.Context, st mail.Student) error
	SendSelection(ctx context.Context, st mail.Student) error
	SendPostUpdate(ctx context.Context, st mail.Student, oldPost string) error
}

// Cache keys invalidated whenever applicant data changes.
const (
	studentsPattern = `^GET:/api/students`
	statsPattern    = `^stats:`
)

var renderer = render.New()

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	if err := renderer.JSON(w, status, body); err != nil {
		logger.ErrorContext(r.Context(), "Render JSON failed", "error", err)
	}
}

// writeStoreError maps a store failure onto an API error and reports
// unexpected ones.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, message string) {
	ctx := r.Context()
	switch {
	case errors.Is(err, db.ErrNotFound):
		apierr.WriteErrorWithContext(w, r, apierr.ResourceNotFound("student"))
	case errors.Is(err, context.Canceled):
		logger.DebugContext(ctx, "Request cancelled", "path", r.URL.Path)
	case apierr.FromError(err).Code != apierr.ErrSystemInternal:
		apierr.WriteErrorWithContext(w, r, apierr.FromError(err))
	default:
		logger.ErrorContext(ctx, message, "error", err)
		errorreporting.CaptureErrorWithContext(ctx, err, map[string]string{"path": r.URL.Path}, nil)
		apierr.WriteErrorWithContext(w, r, apierr.SystemDatabase(message))
	}
}

// invalidateStudents drops cached listings and counters after a write.
func invalidateStudents(ctx context.Context, m *cache.Manager) {
	if m == nil {
		return
	}
	n := 0
	for _, p := range []string{studentsPattern, statsPattern} {
		removed, err := m.InvalidatePattern(p)
		if err != nil {
			logger.WarnContext(ctx, "Cache invalidation failed", "pattern", p, "error", err)
			continue
		}
		n += removed
	}
	logger.DebugContext(ctx, "Invalidated student cache", "removed", n)
}

func toMailStudent(st db.Student) mail.Student {
	out := mail.Student{
		FullName:   st.FullName,
		Email:      st.Email,
		Post:       st.ApplyForPost,
		IDNo:       st.IDNo,
		Department: st.Department,
		Phone:      st.Phone,
	}
	if st.Batch != nil {
		out.Batch = *st.Batch
	}
	return out
}

// NotFound answers unknown routes with RESOURCE_NOT_FOUND.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apierr.WriteErrorWithContext(w, r, apierr.ResourceNotFound("route").WithDetails(map[string]any{
		"resource_type": "route",
		"path":          r.URL.Path,
		"method":        r.Method,
	}))
}
