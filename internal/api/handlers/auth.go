package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/auth"
	"github.com/onnwee/committee-portal/internal/authstore"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/middleware"
	"github.com/onnwee/committee-portal/internal/ratelimit"
)

// AdminStore looks up stored admin accounts.
type AdminStore interface {
	ByUsername(ctx context.Context, username string) (authstore.Admin, error)
}

// AuthHandler logs admins in and out.
type AuthHandler struct {
	admins   AdminStore
	fallback map[string]string
	sessions *auth.Sessions
	limiter  *ratelimit.LoginLimiter
	audit    AuditLog
}

// NewAuthHandler wires the login flow. fallback holds username -> password
// pairs accepted when the admins table has no such user; audit may be nil.
func NewAuthHandler(admins AdminStore, fallback map[string]string, sessions *auth.Sessions, limiter *ratelimit.LoginLimiter, audit AuditLog) *AuthHandler {
	return &AuthHandler{admins: admins, fallback: fallback, sessions: sessions, limiter: limiter, audit: audit}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authenticate returns the admin id (empty for fallback admins) when the
// credentials match.
func (h *AuthHandler) authenticate(ctx context.Context, username, password string) (string, bool) {
	admin, err := h.admins.ByUsername(ctx, username)
	switch {
	case err == nil:
		if !auth.CheckPassword(admin.PasswordHash, password) {
			return "", false
		}
		return strconv.FormatInt(admin.ID, 10), true
	case errors.Is(err, db.ErrNotFound):
	default:
		logger.WarnContext(ctx, "Admin lookup failed, trying configured admins", "error", err)
	}

	expected, ok := h.fallback[username]
	if !ok || !auth.ConstantTimeEqual(expected, password) {
		return "", false
	}
	return "", true
}

// Login checks credentials and sets the session cookie.
// POST /api/admin/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	if req.Username == "" || req.Password == "" {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationFailed(map[string]string{
			"credentials": "Username and password required",
		}))
		return
	}

	decision := h.limiter.Allow(req.Username)
	if !decision.Allowed {
		metrics.LoginAttempts.WithLabelValues("limited").Inc()
		logger.WarnContext(ctx, "Login rate limited",
			"username", ratelimit.Normalize(req.Username), "attempts", decision.Attempts, "ip", middleware.ClientIP(r))
		apierr.WriteErrorWithContext(w, r, apierr.RateLimitLogin(decision.RetryAfter))
		return
	}

	id, ok := h.authenticate(ctx, req.Username, req.Password)
	if !ok {
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		logger.InfoContext(ctx, "Login failed", "username", ratelimit.Normalize(req.Username), "attempts", decision.Attempts)
		apierr.WriteErrorWithContext(w, r, apierr.AuthCredentials())
		return
	}

	token, expires, err := h.sessions.Issue(id, req.Username)
	if err != nil {
		logger.ErrorContext(ctx, "Session signing failed", "error", err)
		apierr.WriteErrorWithContext(w, r, apierr.SystemInternal("Login failed"))
		return
	}
	h.limiter.Reset(req.Username)
	h.sessions.SetCookie(w, token, expires)
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	if h.audit != nil {
		if err := h.audit.RecordAudit(ctx, req.Username, db.AuditLogin, nil,
			map[string]string{"ip": middleware.ClientIP(r)}); err != nil {
			logger.WarnContext(ctx, "Audit write failed", "action", db.AuditLogin, "error", err)
		}
	}
	logger.InfoContext(ctx, "Admin logged in", "username", req.Username)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Login successful",
		"username": req.Username,
	})
}

// Logout clears the session cookie.
// POST /api/admin/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out",
	})
}

// Me returns the current session's admin.
// GET /api/admin/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierr.WriteErrorWithContext(w, r, apierr.AuthMissing(""))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":  true,
		"username": claims.Username,
	})
}

func adminName(ctx context.Context) string {
	if c, ok := auth.FromContext(ctx); ok {
		return c.Username
	}
	return "unknown"
}
