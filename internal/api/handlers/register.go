package handlers

import (
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/committee"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/middleware"
	"github.com/onnwee/committee-portal/internal/secrets"
)

// registrationForm is the applicant form as posted by the frontend.
type registrationForm struct {
	FullName     string `json:"full_name"`
	IDNo         string `json:"ID_no"`
	Batch        string `json:"batch"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Department   string `json:"department"`
	Gender       string `json:"gender"`
	ApplyForPost string `json:"apply_for_post"`
	PhotoURL     string `json:"photo_url"`
	Note         string `json:"note"`
}

func (f *registrationForm) normalize() {
	f.FullName = middleware.SanitizeString(f.FullName, 120)
	f.IDNo = middleware.SanitizeString(f.IDNo, 64)
	f.Batch = middleware.SanitizeString(f.Batch, 32)
	f.Phone = middleware.SanitizeString(f.Phone, 32)
	f.Email = strings.ToLower(middleware.SanitizeString(f.Email, 254))
	f.Department = middleware.SanitizeString(f.Department, 120)
	f.Gender = middleware.SanitizeString(f.Gender, 32)
	f.ApplyForPost = strings.TrimSpace(f.ApplyForPost)
	f.PhotoURL = strings.TrimSpace(f.PhotoURL)
	f.Note = middleware.SanitizeString(f.Note, 1000)
}

var errInvalidPost = validation.NewError("validation_invalid_post", "Invalid post")

func postRule(posts *committee.Catalog) validation.Rule {
	return validation.By(func(value any) error {
		s, _ := value.(string)
		if s == "" || posts.Valid(s) {
			return nil
		}
		return errInvalidPost
	})
}

func (f registrationForm) validate(posts *committee.Catalog) error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.FullName, validation.Required.Error("Name required")),
		validation.Field(&f.IDNo, validation.Required.Error("ID required")),
		validation.Field(&f.Phone, validation.Required.Error("Phone required")),
		validation.Field(&f.Email, validation.Required.Error("Valid email required"), is.EmailFormat.Error("Valid email required")),
		validation.Field(&f.Department, validation.Required.Error("Department required")),
		validation.Field(&f.Gender, validation.Required.Error("Gender required")),
		validation.Field(&f.ApplyForPost, validation.Required.Error("Post required"), postRule(posts)),
		validation.Field(&f.PhotoURL, validation.Required.Error("Valid URL required"), is.URL.Error("Valid URL required")),
	)
}

// validationFields flattens ozzo errors into field -> message.
func validationFields(err error) (map[string]string, bool) {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return nil, false
	}
	out := make(map[string]string, len(verrs))
	for field, e := range verrs {
		out[field] = e.Error()
	}
	return out, true
}

// RegistrationHandler accepts applicant registrations.
type RegistrationHandler struct {
	store  StudentStore
	posts  *committee.Catalog
	mailer Mailer
	cache  *cache.Manager
}

func NewRegistrationHandler(store StudentStore, posts *committee.Catalog, mailer Mailer, c *cache.Manager) *RegistrationHandler {
	return &RegistrationHandler{store: store, posts: posts, mailer: mailer, cache: c}
}

// Register creates an applicant and sends the confirmation email.
// POST /api/register
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var form registrationForm
	if apiErr := middleware.DecodeJSON(r, &form); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	form.normalize()
	if err := form.validate(h.posts); err != nil {
		if fields, ok := validationFields(err); ok {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationFailed(fields))
			return
		}
		logger.ErrorContext(ctx, "Registration validation errored", "error", err)
		apierr.WriteErrorWithContext(w, r, apierr.SystemInternal(""))
		return
	}

	if _, err := h.store.StudentByEmail(ctx, form.Email); err == nil {
		apierr.WriteErrorWithContext(w, r, apierr.StudentEmailExists())
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		writeStoreError(w, r, err, "Registration failed")
		return
	}

	st, err := h.store.CreateStudent(ctx, db.NewStudent{
		FullName:     form.FullName,
		IDNo:         form.IDNo,
		Batch:        form.Batch,
		Phone:        form.Phone,
		Email:        form.Email,
		Department:   form.Department,
		Gender:       form.Gender,
		ApplyForPost: form.ApplyForPost,
		PhotoURL:     form.PhotoURL,
		Note:         form.Note,
	})
	if errors.Is(err, db.ErrDuplicateEmail) {
		apierr.WriteErrorWithContext(w, r, apierr.StudentEmailExists())
		return
	}
	if err != nil {
		writeStoreError(w, r, err, "Registration failed")
		return
	}
	invalidateStudents(ctx, h.cache)

	emailSent := true
	if err := h.mailer.SendRegistration(ctx, toMailStudent(st)); err != nil {
		emailSent = false
		logger.WarnContext(ctx, "Registration email failed (non-critical)",
			"email", secrets.MaskEmail(st.Email), "error", err)
	}
	logger.InfoContext(ctx, "Student registered", "student_id", st.ID, "post", st.ApplyForPost)

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"success":   true,
		"message":   "Registration successful! Check your email.",
		"student":   st,
		"emailSent": emailSent,
	})
}
