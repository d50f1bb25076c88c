package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/committee-portal/internal/api/handlers"
	"github.com/onnwee/committee-portal/internal/auth"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/committee"
	"github.com/onnwee/committee-portal/internal/middleware"
	"github.com/onnwee/committee-portal/internal/perf"
)

// studentsCacheTTL bounds how stale the admin dashboard may be between writes.
const studentsCacheTTL = 30 * time.Second

// Deps is everything the router serves.
type Deps struct {
	Version        string
	Posts          *committee.Catalog
	Sessions       *auth.Sessions
	Cache          *cache.Manager
	Monitor        *perf.Monitor
	AllowedOrigins []string
	MaxBodyBytes   int64
	// RateLimiter may be nil to disable request throttling.
	RateLimiter *middleware.RateLimiter

	Register    *handlers.RegistrationHandler
	Upload      *handlers.UploadHandler
	Auth        *handlers.AuthHandler
	Students    *handlers.StudentsHandler
	Performance *handlers.PerformanceHandler
	Stream      *handlers.StreamHandler
	Health      *handlers.HealthHandler
	CacheAdmin  *handlers.CacheAdminHandler
}

// NewRouter builds the route table and wraps it in the request pipeline.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Instrument(d.Monitor))

	admin := d.Sessions.RequireAdmin
	cached := middleware.ResponseCache(d.Cache, studentsCacheTTL, nil)

	// Public
	r.HandleFunc("/", handlers.Index(d.Version)).Methods(http.MethodGet)
	r.HandleFunc("/health", d.Health.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/version", handlers.Version(d.Version)).Methods(http.MethodGet)
	r.Handle("/api/posts", middleware.ETag(handlers.GetPosts(d.Posts))).Methods(http.MethodGet)
	r.HandleFunc("/api/register", d.Register.Register).Methods(http.MethodPost)
	r.HandleFunc("/api/upload", d.Upload.Upload).Methods(http.MethodPost)

	// Monitoring
	r.HandleFunc("/api/performance", d.Performance.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/performance/stream", d.Stream.HandleWebSocket).Methods(http.MethodGet)

	// Admin session
	r.HandleFunc("/api/admin/login", d.Auth.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/logout", d.Auth.Logout).Methods(http.MethodPost)
	r.Handle("/api/admin/me", admin(http.HandlerFunc(d.Auth.Me))).Methods(http.MethodGet)

	// Applicants
	r.Handle("/api/students", admin(cached(http.HandlerFunc(d.Students.List)))).Methods(http.MethodGet)
	r.Handle("/api/students/stats", admin(cached(http.HandlerFunc(d.Students.Stats)))).Methods(http.MethodGet)
	r.Handle("/api/select", admin(http.HandlerFunc(d.Students.Select))).Methods(http.MethodPost)
	r.Handle("/api/select/{id}", admin(http.HandlerFunc(d.Students.Delete))).Methods(http.MethodDelete)
	r.Handle("/api/update-post/{id}", admin(http.HandlerFunc(d.Students.UpdatePost))).Methods(http.MethodPut)
	r.Handle("/api/admin/audit", admin(http.HandlerFunc(d.Students.Audit))).Methods(http.MethodGet)

	// Cache administration
	r.Handle("/api/admin/cache/stats", admin(http.HandlerFunc(d.CacheAdmin.GetCacheStats))).Methods(http.MethodGet)
	r.Handle("/api/admin/cache/invalidate", admin(http.HandlerFunc(d.CacheAdmin.InvalidateCache))).Methods(http.MethodPost)

	// Profiling
	r.PathPrefix("/debug/pprof/").Handler(admin(handlers.Profiling()))

	// Router middleware skips unmatched requests, so these record their own samples.
	r.NotFoundHandler = middleware.Instrument(d.Monitor)(http.HandlerFunc(handlers.NotFound))
	r.MethodNotAllowedHandler = middleware.Instrument(d.Monitor)(http.HandlerFunc(handlers.NotFound))

	var h http.Handler = r
	h = middleware.Compression(h)
	h = middleware.BodyLimit(d.MaxBodyBytes)(h)
	if d.RateLimiter != nil {
		h = d.RateLimiter.Limit(h)
	}
	h = middleware.CORS(d.AllowedOrigins)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RecoverWithSentry(h)
	h = middleware.RequestID(h)
	return h
}
