package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/mail"
)

// fakeStore is an in-memory StudentStore and AuditLog.
type fakeStore struct {
	mu         sync.Mutex
	students   map[uuid.UUID]db.Student
	audit      []db.AuditEntry
	lastFilter db.StudentFilter
	statsCalls int
	deptCalls  int
	failWith   error
}

func newFakeStore(students ...db.Student) *fakeStore {
	f := &fakeStore{students: make(map[uuid.UUID]db.Student)}
	for _, st := range students {
		f.students[st.ID] = st
	}
	return f
}

func (f *fakeStore) CreateStudent(_ context.Context, in db.NewStudent) (db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return db.Student{}, f.failWith
	}
	for _, st := range f.students {
		if st.Email == in.Email {
			return db.Student{}, db.ErrDuplicateEmail
		}
	}
	st := db.Student{
		ID:           uuid.New(),
		FullName:     in.FullName,
		IDNo:         in.IDNo,
		Phone:        in.Phone,
		Email:        in.Email,
		Department:   in.Department,
		Gender:       in.Gender,
		ApplyForPost: in.ApplyForPost,
		PhotoURL:     in.PhotoURL,
		Note:         in.Note,
		CreatedAt:    time.Now(),
	}
	if in.Batch != "" {
		b := in.Batch
		st.Batch = &b
	}
	f.students[st.ID] = st
	return st, nil
}

func (f *fakeStore) StudentByEmail(_ context.Context, email string) (db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return db.Student{}, f.failWith
	}
	for _, st := range f.students {
		if st.Email == email {
			return st, nil
		}
	}
	return db.Student{}, db.ErrNotFound
}

func (f *fakeStore) StudentByID(_ context.Context, id uuid.UUID) (db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.students[id]
	if !ok {
		return db.Student{}, db.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) ListStudents(_ context.Context, filter db.StudentFilter) ([]db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := []db.Student{}
	for _, st := range f.students {
		if filter.Post != "" && st.ApplyForPost != filter.Post {
			continue
		}
		if filter.Department != "" && st.Department != filter.Department {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(st.FullName), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) DepartmentBreakdown(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deptCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make(map[string]int64)
	for _, st := range f.students {
		out[st.Department]++
	}
	return out, nil
}

func (f *fakeStore) Stats(context.Context) (db.StudentStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	if f.failWith != nil {
		return db.StudentStats{}, f.failWith
	}
	var s db.StudentStats
	for _, st := range f.students {
		s.Total++
		if st.Selected {
			s.Selected++
		}
	}
	s.Pending = s.Total - s.Selected
	return s, nil
}

func (f *fakeStore) MarkSelected(_ context.Context, id uuid.UUID) (db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.students[id]
	if !ok {
		return db.Student{}, db.ErrNotFound
	}
	st.Selected = true
	f.students[id] = st
	return st, nil
}

func (f *fakeStore) UpdatePost(_ context.Context, id uuid.UUID, post string) (db.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.students[id]
	if !ok {
		return db.Student{}, db.ErrNotFound
	}
	st.ApplyForPost = post
	f.students[id] = st
	return st, nil
}

func (f *fakeStore) DeleteStudent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.students[id]; !ok {
		return db.ErrNotFound
	}
	delete(f.students, id)
	return nil
}

func (f *fakeStore) RecordAudit(_ context.Context, admin, action string, studentID *uuid.UUID, details any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	f.audit = append(f.audit, db.AuditEntry{
		ID: int64(len(f.audit) + 1), Admin: admin, Action: action, StudentID: studentID, Details: raw,
	})
	return nil
}

func (f *fakeStore) RecentAudit(_ context.Context, limit int) ([]db.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.AuditEntry, 0, len(f.audit))
	for i := len(f.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.audit[i])
	}
	return out, nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audit))
	for i, e := range f.audit {
		out[i] = e.Action
	}
	return out
}

type sentMail struct {
	kind    string
	to      string
	post    string
	oldPost string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) record(kind string, st mail.Student, oldPost string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{kind: kind, to: st.Email, post: st.Post, oldPost: oldPost})
	return nil
}

func (m *fakeMailer) SendRegistration(_ context.Context, st mail.Student) error {
	return m.record(mail.TemplateRegistration, st, "")
}

func (m *fakeMailer) SendSelection(_ context.Context, st mail.Student) error {
	return m.record(mail.TemplateSelection, st, "")
}

func (m *fakeMailer) SendPostUpdate(_ context.Context, st mail.Student, oldPost string) error {
	return m.record(mail.TemplatePostUpdate, st, oldPost)
}

func (m *fakeMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

var errBoom = errors.New("boom")

func sampleStudent(name, email, post string) db.Student {
	return db.Student{
		ID:           uuid.New(),
		FullName:     name,
		IDNo:         "ICE-" + name,
		Phone:        "01700000000",
		Email:        email,
		Department:   "ICE",
		Gender:       "female",
		ApplyForPost: post,
		PhotoURL:     "https://res.cloudinary.com/demo/image/upload/a.jpg",
		CreatedAt:    time.Now(),
	}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error object in %s", rec.Body.String())
	code, _ := e["code"].(string)
	return code
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
