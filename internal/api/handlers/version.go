package handlers

import (
	"net/http"
)

const apiName = "ICE Committee Registration API"

// Version reports the running API version.
// GET /api/version
func Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"version": version,
			"api":     apiName,
			"status":  "operational",
		})
	}
}

// Index lists the public entry points.
// GET /
func Index(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"message": apiName,
			"version": version,
			"endpoints": map[string]string{
				"registration":   "/api/register",
				"upload":         "/api/upload",
				"posts":          "/api/posts",
				"admin":          "/api/admin/login",
				"students":       "/api/students",
				"selection":      "/api/select",
				"updatePosition": "/api/update-post",
				"performance":    "/api/performance",
				"health":         "/health",
				"metrics":        "/metrics",
			},
		})
	}
}
