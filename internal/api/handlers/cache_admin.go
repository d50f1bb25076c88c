package handlers

import (
	"net/http"
	"strings"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/middleware"
)

// CacheAdminHandler handles cache administration endpoints.
type CacheAdminHandler struct {
	manager *cache.Manager
	uploads cache.Cache
}

// NewCacheAdminHandler creates a new cache admin handler. uploads may be nil.
func NewCacheAdminHandler(m *cache.Manager, uploads cache.Cache) *CacheAdminHandler {
	return &CacheAdminHandler{manager: m, uploads: uploads}
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

// InvalidateCache removes the keys matching pattern, or everything when no
// pattern is given. The pattern comes from ?pattern= or a JSON body.
// POST /api/admin/cache/invalidate
func (h *CacheAdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" && r.ContentLength != 0 {
		var req invalidateRequest
		if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
			apierr.WriteErrorWithContext(w, r, apiErr)
			return
		}
		pattern = req.Pattern
	}
	pattern = strings.TrimSpace(pattern)

	if pattern == "" {
		n := h.manager.Stats().Size
		h.manager.Clear()
		if h.uploads != nil {
			h.uploads.Clear()
		}
		logger.InfoContext(r.Context(), "Cache cleared", "admin", adminName(r.Context()), "removed", n)
		writeJSON(w, r, http.StatusOK, map[string]any{
			"success": true,
			"message": "Cache invalidated successfully",
			"removed": n,
		})
		return
	}

	n, err := h.manager.InvalidatePattern(pattern)
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("pattern", "Invalid pattern"))
		return
	}
	logger.InfoContext(r.Context(), "Cache invalidated", "admin", adminName(r.Context()), "pattern", pattern, "removed", n)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"message": "Cache invalidated successfully",
		"pattern": pattern,
		"removed": n,
	})
}

// GetCacheStats returns current cache statistics.
// GET /api/admin/cache/stats
func (h *CacheAdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"success": true,
		"cache":   h.manager.Stats(),
	}
	if h.uploads != nil {
		body["uploads"] = h.uploads.Stats()
	}
	writeJSON(w, r, http.StatusOK, body)
}
