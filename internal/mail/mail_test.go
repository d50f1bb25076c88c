package mail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/httpx"
	"github.com/onnwee/committee-portal/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rahim = Student{
	FullName:   "Rahim Uddin",
	Email:      "rahim@student.example.edu",
	Post:       "General Secretary",
	IDNo:       "ICE-2021-017",
	Department: "ICE",
	Phone:      "01712345678",
}

func newSender(t *testing.T, baseURL, apiKey string) *Sender {
	t.Helper()
	rm := retry.New(0, time.Millisecond)
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "brevo-test", IsSuccessful: httpx.IsSuccessful})
	s, err := NewSender(Options{
		APIKey:    apiKey,
		FromEmail: "committee@example.edu",
		BaseURL:   baseURL,
	}, httpx.New("brevo", nil, cb, rm))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestSendRegistration(t *testing.T) {
	var got sendRequest
	var apiKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/smtp/email", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		apiKey = r.Header.Get("api-key")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<1@smtp-relay>"}`))
	}))
	defer ts.Close()

	s := newSender(t, ts.URL+"/", "xkeysib-test")
	require.NoError(t, s.SendRegistration(context.Background(), rahim))

	assert.Equal(t, "xkeysib-test", apiKey)
	assert.Equal(t, "ICE Committee", got.Sender.Name)
	assert.Equal(t, "committee@example.edu", got.Sender.Email)
	require.Len(t, got.To, 1)
	assert.Equal(t, rahim.Email, got.To[0].Email)
	assert.Equal(t, "Application Received - ICE Committee Selection", got.Subject)
	assert.Contains(t, got.HTMLContent, "General Secretary")
	assert.Contains(t, got.HTMLContent, "ICE-2021-017")
	assert.Contains(t, got.HTMLContent, "March 14, 2026")
	assert.Contains(t, got.HTMLContent, "Batch:</span> N/A")
}

func TestRenderEscapesInput(t *testing.T) {
	s := newSender(t, "http://unused", "key")
	st := rahim
	st.FullName = `<script>alert("x")</script>`

	_, html, err := s.Render(TemplateSelection, st, "")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>alert")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestRenderPostUpdate(t *testing.T) {
	s := newSender(t, "http://unused", "key")
	subject, html, err := s.Render(TemplatePostUpdate, rahim, "Treasurer")
	require.NoError(t, err)
	assert.Equal(t, "Your ICE Committee Position Has Been Updated", subject)
	assert.Contains(t, html, "<s>Treasurer</s>")
	assert.Contains(t, html, "<strong>General Secretary</strong>")
	assert.Contains(t, html, "mailto:committee@example.edu")

	_, _, err = s.Render("unknown", rahim, "")
	assert.Error(t, err)
}

func TestSendNotConfigured(t *testing.T) {
	s := newSender(t, "http://unused", "")
	assert.False(t, s.Enabled())
	assert.ErrorIs(t, s.SendSelection(context.Background(), rahim), ErrNotConfigured)
}

func TestSendUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"Key not found"}`))
	}))
	defer ts.Close()

	s := newSender(t, ts.URL, "bad-key")
	err := s.SendPostUpdate(context.Background(), rahim, "Treasurer")

	var se *httpx.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
