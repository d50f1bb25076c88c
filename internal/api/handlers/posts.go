package handlers

import (
	"net/http"

	"github.com/onnwee/committee-portal/internal/committee"
)

// GetPosts lists the committee posts applicants can choose from.
// GET /api/posts
func GetPosts(posts *committee.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := posts.List()
		writeJSON(w, r, http.StatusOK, map[string]any{
			"success":   true,
			"committee": posts.Name,
			"posts":     list,
			"count":     len(list),
		})
	}
}
