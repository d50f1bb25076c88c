package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/committee-portal/internal/auth"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/committee"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/mail"
)

func newStudents(store *fakeStore, mailer *fakeMailer, c *cache.Manager) *StudentsHandler {
	return NewStudentsHandler(store, store, committee.Default(), mailer, c)
}

// asAdmin attaches session claims as RequireAdmin would.
func asAdmin(req *http.Request) *http.Request {
	return req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Username: "ice_dep"}))
}

func withVars(req *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(req, vars)
}

func TestListStudentsWithFiltersAndStats(t *testing.T) {
	a := sampleStudent("Alice", "alice@example.com", "President")
	b := sampleStudent("Bob", "bob@example.com", "Treasurer")
	b.Selected = true
	store := newFakeStore(a, b)

	req := httptest.NewRequest(http.MethodGet, "/api/students?search=%20ali%20&post=President&department=ICE", nil)
	rec := httptest.NewRecorder()
	newStudents(store, &fakeMailer{}, cache.NewManager(0, 0)).List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.StudentFilter{Search: "ali", Post: "President", Department: "ICE"}, store.lastFilter)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["count"])
	students := body["students"].([]any)
	require.Len(t, students, 1)
	assert.Equal(t, "Alice", students[0].(map[string]any)["full_name"])

	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["total"])
	assert.Equal(t, float64(1), stats["selected"])
	assert.Equal(t, float64(1), stats["pending"])
}

func TestStatsServedFromCache(t *testing.T) {
	store := newFakeStore(sampleStudent("Alice", "alice@example.com", "President"))
	c := cache.NewManager(0, 0)
	h := newStudents(store, &fakeMailer{}, c)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/students/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		stats := decodeBody(t, rec)["stats"].(map[string]any)
		assert.Equal(t, float64(1), stats["total"])
	}
	assert.Equal(t, 1, store.statsCalls)
	assert.True(t, c.Has(cache.KeyTotalStudents))
}

func TestStatsUsesWarmedCounters(t *testing.T) {
	store := newFakeStore()
	c := cache.NewManager(0, 0)
	c.Set(cache.KeyTotalStudents, cache.Count{Count: 10}, time.Minute)
	c.Set(cache.KeySelectedStudents, cache.Count{Count: 4}, time.Minute)

	rec := httptest.NewRecorder()
	newStudents(store, &fakeMailer{}, c).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/students/stats", nil))

	stats := decodeBody(t, rec)["stats"].(map[string]any)
	assert.Equal(t, float64(10), stats["total"])
	assert.Equal(t, float64(6), stats["pending"])
	assert.Zero(t, store.statsCalls)
}

func TestStatsIncludesDepartments(t *testing.T) {
	store := newFakeStore(
		sampleStudent("Alice", "alice@example.com", "President"),
		sampleStudent("Bob", "bob@example.com", "Treasurer"),
	)
	c := cache.NewManager(0, 0)
	h := newStudents(store, &fakeMailer{}, c)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/students/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		depts := decodeBody(t, rec)["departments"].(map[string]any)
		assert.Equal(t, float64(2), depts["ICE"])
	}
	assert.Equal(t, 1, store.deptCalls)
	assert.True(t, c.Has(cache.KeyDepartments))
}

func TestStatsUsesWarmedDepartments(t *testing.T) {
	store := newFakeStore()
	c := cache.NewManager(0, 0)
	c.Set(cache.KeyDepartments, map[string]int64{"CSE": 7, "EEE": 3}, time.Minute)

	rec := httptest.NewRecorder()
	newStudents(store, &fakeMailer{}, c).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/students/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	depts := decodeBody(t, rec)["departments"].(map[string]any)
	assert.Equal(t, float64(7), depts["CSE"])
	assert.Equal(t, float64(3), depts["EEE"])
	assert.Zero(t, store.deptCalls)
}

func TestListStudentsStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failWith = errBoom
	rec := httptest.NewRecorder()
	newStudents(store, &fakeMailer{}, nil).List(rec, httptest.NewRequest(http.MethodGet, "/api/students", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "SYSTEM_DATABASE", errorCode(t, rec))
}

func TestListStudentsResilienceFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), "SYSTEM_TIMEOUT", http.StatusGatewayTimeout},
		{"call timeout", circuitbreaker.ErrCallTimeout, "SYSTEM_TIMEOUT", http.StatusGatewayTimeout},
		{"breaker open", fmt.Errorf("db: %w", circuitbreaker.ErrCircuitOpen), "CIRCUIT_OPEN", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.failWith = tt.err
			rec := httptest.NewRecorder()
			newStudents(store, &fakeMailer{}, nil).List(rec, httptest.NewRequest(http.MethodGet, "/api/students", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestSelectStudent(t *testing.T) {
	st := sampleStudent("Alice", "alice@example.com", "President")
	store := newFakeStore(st)
	mailer := &fakeMailer{}
	c := cache.NewManager(0, 0)
	c.Set("GET:/api/students?post=President", map[string]any{"success": true}, time.Minute)

	req := asAdmin(jsonRequest(t, http.MethodPost, "/api/select", map[string]string{"studentId": st.ID.String()}))
	rec := httptest.NewRecorder()
	newStudents(store, mailer, c).Select(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Student selected and email sent", body["message"])
	assert.Equal(t, true, body["student"].(map[string]any)["selected"])

	require.Len(t, mailer.Sent(), 1)
	assert.Equal(t, mail.TemplateSelection, mailer.Sent()[0].kind)
	assert.Equal(t, []string{db.AuditSelect}, store.auditActions())
	assert.Equal(t, "ice_dep", store.audit[0].Admin)
	assert.False(t, c.Has("GET:/api/students?post=President"))
}

func TestSelectStudentErrors(t *testing.T) {
	h := newStudents(newFakeStore(), &fakeMailer{}, nil)
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing id", map[string]string{}, http.StatusBadRequest, "VALIDATION_MISSING_FIELD"},
		{"malformed id", map[string]string{"studentId": "42"}, http.StatusBadRequest, "VALIDATION_INVALID_VALUE"},
		{"unknown id", map[string]string{"studentId": uuid.NewString()}, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Select(rec, jsonRequest(t, http.MethodPost, "/api/select", tc.body))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestSelectStudentEmailFailureIsNonCritical(t *testing.T) {
	st := sampleStudent("Alice", "alice@example.com", "President")
	rec := httptest.NewRecorder()
	newStudents(newFakeStore(st), &fakeMailer{err: errBoom}, nil).
		Select(rec, jsonRequest(t, http.MethodPost, "/api/select", map[string]string{"studentId": st.ID.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Student selected", body["message"])
	assert.Equal(t, false, body["emailSent"])
}

func TestDeleteStudent(t *testing.T) {
	st := sampleStudent("Alice", "alice@example.com", "President")
	store := newFakeStore(st)
	h := newStudents(store, &fakeMailer{}, nil)

	req := withVars(asAdmin(httptest.NewRequest(http.MethodDelete, "/api/select/"+st.ID.String(), nil)), map[string]string{"id": st.ID.String()})
	rec := httptest.NewRecorder()
	h.Delete(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Student deleted successfully", decodeBody(t, rec)["message"])
	assert.Equal(t, []string{db.AuditDelete}, store.auditActions())

	rec = httptest.NewRecorder()
	h.Delete(rec, withVars(httptest.NewRequest(http.MethodDelete, "/", nil), map[string]string{"id": st.ID.String()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdatePost(t *testing.T) {
	st := sampleStudent("Alice", "alice@example.com", "Executive Member")
	store := newFakeStore(st)
	mailer := &fakeMailer{}
	h := newStudents(store, mailer, nil)
	vars := map[string]string{"id": st.ID.String()}

	req := withVars(asAdmin(jsonRequest(t, http.MethodPut, "/api/update-post/x", map[string]string{"apply_for_post": "Treasurer"})), vars)
	rec := httptest.NewRecorder()
	h.UpdatePost(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Post updated to Treasurer", body["message"])
	assert.Equal(t, "Treasurer", body["student"].(map[string]any)["apply_for_post"])

	sent := mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mail.TemplatePostUpdate, sent[0].kind)
	assert.Equal(t, "Executive Member", sent[0].oldPost)
	assert.JSONEq(t, `{"from":"Executive Member","to":"Treasurer"}`, string(store.audit[0].Details))

	// Same post again: no email.
	rec = httptest.NewRecorder()
	h.UpdatePost(rec, withVars(jsonRequest(t, http.MethodPut, "/", map[string]string{"apply_for_post": "Treasurer"}), vars))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, mailer.Sent(), 1)
}

func TestUpdatePostErrors(t *testing.T) {
	st := sampleStudent("Alice", "alice@example.com", "President")
	h := newStudents(newFakeStore(st), &fakeMailer{}, nil)

	cases := []struct {
		name   string
		id     string
		body   any
		status int
		code   string
	}{
		{"missing post", st.ID.String(), map[string]string{}, http.StatusBadRequest, "VALIDATION_MISSING_FIELD"},
		{"invalid post", st.ID.String(), map[string]string{"apply_for_post": "King"}, http.StatusBadRequest, "STUDENT_INVALID_POST"},
		{"unknown student", uuid.NewString(), map[string]string{"apply_for_post": "Treasurer"}, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.UpdatePost(rec, withVars(jsonRequest(t, http.MethodPut, "/", tc.body), map[string]string{"id": tc.id}))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestAuditListing(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	require.NoError(t, store.RecordAudit(t.Context(), "noor", db.AuditDelete, &id, nil))
	require.NoError(t, store.RecordAudit(t.Context(), "noor", db.AuditSelect, &id, nil))

	rec := httptest.NewRecorder()
	newStudents(store, &fakeMailer{}, nil).Audit(rec, httptest.NewRequest(http.MethodGet, "/api/admin/audit?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	entries := body["entries"].([]any)
	assert.Equal(t, db.AuditSelect, entries[0].(map[string]any)["action"])
}
