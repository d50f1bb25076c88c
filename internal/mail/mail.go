// Package mail sends transactional email through the Brevo API.
package mail

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/committee-portal/internal/httpx"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/secrets"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template names, also used as metric labels.
const (
	TemplateRegistration = "registration"
	TemplateSelection    = "selection"
	TemplatePostUpdate   = "post_update"
)

// ErrNotConfigured is returned when no API key or sender is set.
var ErrNotConfigured = errors.New("mail: Brevo is not configured")

// Student is the part of an application an email talks about.
type Student struct {
	FullName   string
	Email      string
	Post       string
	IDNo       string
	Department string
	Batch      string
	Phone      string
}

// Options configures the sender.
type Options struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
	Committee string
}

// Sender renders and sends the portal's emails.
type Sender struct {
	opts      Options
	client    *httpx.Client
	templates map[string]*template.Template
	subjects  map[string]string
	now       func() time.Time
}

type address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type sendRequest struct {
	Sender      address   `json:"sender"`
	To          []address `json:"to"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"htmlContent"`
}

type templateData struct {
	Committee string
	Student   Student
	OldPost   string
	ReplyTo   string
	Date      string
	Year      int
}

// NewSender parses the embedded templates.
func NewSender(opts Options, client *httpx.Client) (*Sender, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.brevo.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.FromName == "" {
		opts.FromName = "ICE Committee"
	}
	if opts.Committee == "" {
		opts.Committee = "ICE Committee"
	}

	s := &Sender{
		opts:      opts,
		client:    client,
		templates: make(map[string]*template.Template),
		subjects: map[string]string{
			TemplateRegistration: "Application Received - " + opts.Committee + " Selection",
			TemplateSelection:    "Congratulations! You're Selected - " + opts.Committee,
			TemplatePostUpdate:   "Your " + opts.Committee + " Position Has Been Updated",
		},
		now: time.Now,
	}
	for name := range s.subjects {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("mail: parse %s template: %w", name, err)
		}
		s.templates[name] = t
	}
	return s, nil
}

// Enabled reports whether the sender has credentials.
func (s *Sender) Enabled() bool {
	return s.opts.APIKey != "" && s.opts.FromEmail != ""
}

// SendRegistration confirms a received application.
func (s *Sender) SendRegistration(ctx context.Context, st Student) error {
	return s.send(ctx, TemplateRegistration, st, "")
}

// SendSelection tells a student they were selected for st.Post.
func (s *Sender) SendSelection(ctx context.Context, st Student) error {
	return s.send(ctx, TemplateSelection, st, "")
}

// SendPostUpdate tells a student their post changed from oldPost to st.Post.
func (s *Sender) SendPostUpdate(ctx context.Context, st Student, oldPost string) error {
	return s.send(ctx, TemplatePostUpdate, st, oldPost)
}

// Render returns the subject and HTML body of an email.
func (s *Sender) Render(name string, st Student, oldPost string) (string, string, error) {
	t, ok := s.templates[name]
	if !ok {
		return "", "", fmt.Errorf("mail: unknown template %q", name)
	}
	now := s.now()
	data := templateData{
		Committee: s.opts.Committee,
		Student:   st,
		OldPost:   oldPost,
		ReplyTo:   s.opts.FromEmail,
		Date:      now.Format("January 2, 2006"),
		Year:      now.Year(),
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return s.subjects[name], buf.String(), nil
}

func (s *Sender) send(ctx context.Context, name string, st Student, oldPost string) error {
	if !s.Enabled() {
		metrics.EmailsSent.WithLabelValues(name, "skipped").Inc()
		return ErrNotConfigured
	}
	subject, html, err := s.Render(name, st, oldPost)
	if err != nil {
		metrics.EmailsSent.WithLabelValues(name, "failure").Inc()
		return err
	}
	payload, err := json.Marshal(sendRequest{
		Sender:      address{Name: s.opts.FromName, Email: s.opts.FromEmail},
		To:          []address{{Name: st.FullName, Email: st.Email}},
		Subject:     subject,
		HTMLContent: html,
	})
	if err != nil {
		return fmt.Errorf("mail: encode payload: %w", err)
	}

	_, err = s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.BaseURL+"/v3/smtp/email", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("api-key", s.opts.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		metrics.EmailsSent.WithLabelValues(name, "failure").Inc()
		logger.WarnContext(ctx, "Email send failed",
			"template", name, "to", secrets.MaskEmail(st.Email), "error", err)
		return fmt.Errorf("mail: send %s: %w", name, err)
	}
	metrics.EmailsSent.WithLabelValues(name, "success").Inc()
	logger.InfoContext(ctx, "Email sent", "template", name, "to", secrets.MaskEmail(st.Email))
	return nil
}
