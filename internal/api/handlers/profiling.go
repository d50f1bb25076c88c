package handlers

import (
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/middleware"
)

// Profiling serves net/http/pprof under /debug/pprof/ and logs every access
// for audit. Mount it behind RequireAdmin.
func Profiling() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.InfoContext(r.Context(), "Profiling endpoint accessed",
			"endpoint", strings.TrimPrefix(r.URL.Path, "/debug/pprof/"),
			"admin", adminName(r.Context()),
			"remote_addr", middleware.ClientIP(r),
			"type", "security_audit")
		mux.ServeHTTP(w, r)
	})
}
