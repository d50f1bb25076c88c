package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/committee"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/middleware"
	"github.com/onnwee/committee-portal/internal/secrets"
)

// statsTTL matches the warm-up TTL of the counters.
const statsTTL = 60 * time.Second

// StudentsHandler serves the admin dashboard endpoints.
type StudentsHandler struct {
	store  StudentStore
	audit  AuditLog
	posts  *committee.Catalog
	mailer Mailer
	cache  *cache.Manager
}

func NewStudentsHandler(store StudentStore, audit AuditLog, posts *committee.Catalog, mailer Mailer, c *cache.Manager) *StudentsHandler {
	return &StudentsHandler{store: store, audit: audit, posts: posts, mailer: mailer, cache: c}
}

// stats reads the counters through the cache, filling it on a miss.
func (h *StudentsHandler) stats(ctx context.Context) (db.StudentStats, error) {
	if h.cache != nil {
		total, okT := h.cache.Get(cache.KeyTotalStudents)
		selected, okS := h.cache.Get(cache.KeySelectedStudents)
		if okT && okS {
			t, tOK := total.(cache.Count)
			s, sOK := selected.(cache.Count)
			if tOK && sOK {
				return db.StudentStats{Total: t.Count, Selected: s.Count, Pending: t.Count - s.Count}, nil
			}
		}
	}
	st, err := h.store.Stats(ctx)
	if err != nil {
		return db.StudentStats{}, err
	}
	if h.cache != nil {
		h.cache.Set(cache.KeyTotalStudents, cache.Count{Count: st.Total}, statsTTL)
		h.cache.Set(cache.KeySelectedStudents, cache.Count{Count: st.Selected}, statsTTL)
	}
	return st, nil
}

// departments reads the per-department counts through the cache.
func (h *StudentsHandler) departments(ctx context.Context) (map[string]int64, error) {
	if h.cache != nil {
		if v, ok := h.cache.Get(cache.KeyDepartments); ok {
			if depts, ok := v.(map[string]int64); ok {
				return depts, nil
			}
		}
	}
	depts, err := h.store.DepartmentBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		h.cache.Set(cache.KeyDepartments, depts, statsTTL)
	}
	return depts, nil
}

// List returns the filtered applicants plus the dashboard counters.
// GET /api/students?search=&post=&department=&batch=
func (h *StudentsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := db.StudentFilter{
		Search:     middleware.SanitizeString(q.Get("search"), 100),
		Post:       strings.TrimSpace(q.Get("post")),
		Department: middleware.SanitizeString(q.Get("department"), 120),
		Batch:      middleware.SanitizeString(q.Get("batch"), 32),
	}

	students, err := h.store.ListStudents(ctx, filter)
	if err != nil {
		writeStoreError(w, r, err, "Failed to fetch students")
		return
	}
	stats, err := h.stats(ctx)
	if err != nil {
		writeStoreError(w, r, err, "Failed to fetch students")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":  true,
		"stats":    stats,
		"students": students,
		"count":    len(students),
	})
}

// Stats returns the dashboard counters and the per-department breakdown.
// GET /api/students/stats
func (h *StudentsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.stats(ctx)
	if err != nil {
		writeStoreError(w, r, err, "Failed to fetch stats")
		return
	}
	depts, err := h.departments(ctx)
	if err != nil {
		writeStoreError(w, r, err, "Failed to fetch stats")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":     true,
		"stats":       stats,
		"departments": depts,
	})
}

func (h *StudentsHandler) recordAudit(ctx context.Context, action string, id uuid.UUID, details any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.RecordAudit(ctx, adminName(ctx), action, &id, details); err != nil {
		logger.WarnContext(ctx, "Audit write failed", "action", action, "student_id", id, "error", err)
	}
}

func parseStudentID(raw string) (uuid.UUID, *apierr.Error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, apierr.ValidationMissingField("studentId")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.ValidationInvalidValue("studentId", "Invalid student ID")
	}
	return id, nil
}

type selectRequest struct {
	StudentID string `json:"studentId"`
}

// Select marks an applicant selected and emails them.
// POST /api/select
func (h *StudentsHandler) Select(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req selectRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	id, apiErr := parseStudentID(req.StudentID)
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}

	st, err := h.store.MarkSelected(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to select student")
		return
	}
	invalidateStudents(ctx, h.cache)
	h.recordAudit(ctx, db.AuditSelect, id, map[string]string{"post": st.ApplyForPost})

	emailSent := true
	if err := h.mailer.SendSelection(ctx, toMailStudent(st)); err != nil {
		emailSent = false
		logger.WarnContext(ctx, "Selection email failed (non-critical)",
			"email", secrets.MaskEmail(st.Email), "error", err)
	}
	message := "Student selected and email sent"
	if !emailSent {
		message = "Student selected"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":   true,
		"message":   message,
		"student":   st,
		"emailSent": emailSent,
	})
}

// Delete removes an applicant.
// DELETE /api/select/{id}
func (h *StudentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, apiErr := parseStudentID(mux.Vars(r)["id"])
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	if err := h.store.DeleteStudent(ctx, id); err != nil {
		writeStoreError(w, r, err, "Failed to delete student")
		return
	}
	invalidateStudents(ctx, h.cache)
	h.recordAudit(ctx, db.AuditDelete, id, nil)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"message": "Student deleted successfully",
	})
}

type updatePostRequest struct {
	ApplyForPost string `json:"apply_for_post"`
}

// UpdatePost moves an applicant to another post.
// PUT /api/update-post/{id}
func (h *StudentsHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, apiErr := parseStudentID(mux.Vars(r)["id"])
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	var req updatePostRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	post := strings.TrimSpace(req.ApplyForPost)
	if post == "" {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("apply_for_post"))
		return
	}
	if !h.posts.Valid(post) {
		apierr.WriteErrorWithContext(w, r, apierr.StudentInvalidPost(post))
		return
	}

	before, err := h.store.StudentByID(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to update post")
		return
	}
	st, err := h.store.UpdatePost(ctx, id, post)
	if err != nil {
		writeStoreError(w, r, err, "Failed to update post")
		return
	}
	invalidateStudents(ctx, h.cache)
	h.recordAudit(ctx, db.AuditUpdatePost, id, map[string]string{"from": before.ApplyForPost, "to": post})

	if before.ApplyForPost != post {
		if err := h.mailer.SendPostUpdate(ctx, toMailStudent(st), before.ApplyForPost); err != nil {
			logger.WarnContext(ctx, "Post update email failed (non-critical)",
				"email", secrets.MaskEmail(st.Email), "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"message": "Post updated to " + post,
		"student": st,
	})
}

// Audit lists recent admin actions.
// GET /api/admin/audit?limit=N
func (h *StudentsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	entries, err := h.audit.RecentAudit(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err, "Failed to fetch audit log")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"entries": entries,
		"count":   len(entries),
	})
}
