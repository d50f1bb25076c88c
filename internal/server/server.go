// Package server assembles the portal from configuration and runs it.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/committee-portal/internal/api"
	"github.com/onnwee/committee-portal/internal/api/handlers"
	"github.com/onnwee/committee-portal/internal/auth"
	"github.com/onnwee/committee-portal/internal/authstore"
	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/committee"
	"github.com/onnwee/committee-portal/internal/config"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/health"
	"github.com/onnwee/committee-portal/internal/httpx"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/mail"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/middleware"
	"github.com/onnwee/committee-portal/internal/perf"
	"github.com/onnwee/committee-portal/internal/ratelimit"
	"github.com/onnwee/committee-portal/internal/retry"
	"github.com/onnwee/committee-portal/internal/upload"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = time.Minute
)

// Server owns the HTTP server and every background worker.
type Server struct {
	cfg   *config.Config
	store *db.Store
	admin *authstore.Store

	Cache     *cache.Manager
	Uploads   *cache.LRUCache
	Monitor   *perf.Monitor
	Breakers  *circuitbreaker.Registry
	Checker   *health.Checker
	Limiter   *ratelimit.LoginLimiter
	Collector *metrics.Collector
	Hub       *handlers.Hub

	rateLimiter *middleware.RateLimiter
	handler     http.Handler
	httpServer  *http.Server
}

// New wires the portal around an open database connection.
func New(cfg *config.Config, conn *sql.DB) (*Server, error) {
	store := db.New(conn)
	posts := committee.Default()

	manager := cache.NewManager(cfg.CacheMaxBytes, cfg.CacheDefaultTTL)
	uploads, err := cache.NewLRU(cfg.UploadCacheMB, 1000, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("server: upload cache: %w", err)
	}
	monitor := perf.NewMonitor(cfg.PerfMaxSamples, cfg.PerfSlowThreshold)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		CallTimeout:      cfg.BreakerCallTimeout,
		ResetTimeout:     cfg.BreakerResetTimeout,
		IsSuccessful:     httpx.IsSuccessful,
	})
	retrier := retry.New(cfg.HTTPMaxRetries, cfg.HTTPRetryBase)
	hc := &http.Client{Timeout: cfg.HTTPTimeout}

	sender, err := mail.NewSender(mail.Options{
		APIKey:    cfg.BrevoAPIKey,
		FromEmail: cfg.BrevoFromEmail,
		FromName:  cfg.BrevoFromName,
		BaseURL:   cfg.BrevoBaseURL,
		Committee: posts.Name,
	}, httpx.New("mail", hc, breakers.Get("mail"), retrier))
	if err != nil {
		return nil, fmt.Errorf("server: mail: %w", err)
	}
	if !sender.Enabled() {
		logger.Warn("Brevo is not configured; notification emails are disabled")
	}
	uploader := upload.New(upload.Options{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryFolder,
		BaseURL:   cfg.CloudinaryBaseURL,
		MaxBytes:  cfg.UploadMaxBytes,
	}, httpx.New("upload", hc, breakers.Get("upload"), retrier), uploads)
	if !uploader.Enabled() {
		logger.Warn("Cloudinary is not configured; photo uploads are disabled")
	}

	secure := cfg.IsProduction() || cfg.CookieSecureDev
	sessions := auth.NewSessions(cfg.JWTSecret, cfg.SessionTTL, secure)
	limiter := ratelimit.NewLoginLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow)
	admins := authstore.New(store.DB())

	checker := health.NewChecker(cfg.HealthTimeout, cfg.HealthInterval)
	checker.Register("database", store.Ping)
	checker.Register("mail", breakerProbe(breakers.Get("mail")))
	checker.Register("upload", breakerProbe(breakers.Get("upload")))

	perfHandler := handlers.NewPerformanceHandler(monitor, manager, breakers)
	hub := handlers.NewHub(perfHandler.Report, handlers.DefaultStreamInterval)

	var rl *middleware.RateLimiter
	if cfg.EnableRateLimit {
		rl = middleware.NewRateLimiter(cfg.RateLimitGlobal, cfg.RateLimitGlobalBurst, cfg.RateLimitPerIP, cfg.RateLimitPerIPBurst)
	}

	router := api.NewRouter(api.Deps{
		Version:        cfg.ServiceVersion,
		Posts:          posts,
		Sessions:       sessions,
		Cache:          manager,
		Monitor:        monitor,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimiter:    rl,

		Register:    handlers.NewRegistrationHandler(store, posts, sender, manager),
		Upload:      handlers.NewUploadHandler(uploader),
		Auth:        handlers.NewAuthHandler(admins, cfg.FallbackAdminCredentials(), sessions, limiter, store),
		Students:    handlers.NewStudentsHandler(store, store, posts, sender, manager),
		Performance: perfHandler,
		Stream:      handlers.NewStreamHandler(hub, cfg.CORSAllowedOrigins),
		Health:      handlers.NewHealthHandler(checker, manager, cfg.Env, time.Now()),
		CacheAdmin:  handlers.NewCacheAdminHandler(manager, uploads),
	})

	return &Server{
		cfg:         cfg,
		store:       store,
		admin:       admins,
		Cache:       manager,
		Uploads:     uploads,
		Monitor:     monitor,
		Breakers:    breakers,
		Checker:     checker,
		Limiter:     limiter,
		Collector:   metrics.NewCollector(store, cfg.MetricsInterval),
		Hub:         hub,
		rateLimiter: rl,
		handler:     router,
	}, nil
}

// breakerProbe fails while the named dependency's breaker is open.
func breakerProbe(cb *circuitbreaker.CircuitBreaker) health.Probe {
	return func(context.Context) error {
		if cb.State() == circuitbreaker.StateOpen {
			return fmt.Errorf("%s circuit breaker is open", cb.Name())
		}
		return nil
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Prepare creates the schema, seeds the configured admins and warms the cache.
// Seeding and warming failures are logged, not fatal.
func (s *Server) Prepare(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("server: schema: %w", err)
	}
	if creds := s.cfg.FallbackAdminCredentials(); len(creds) > 0 {
		n, err := s.admin.Seed(ctx, creds, s.cfg.BcryptCost)
		if err != nil {
			logger.WarnContext(ctx, "Admin seeding failed", "error", err)
		} else if n > 0 {
			logger.InfoContext(ctx, "Seeded admin accounts", "count", n)
		}
	}
	_ = s.Cache.Warm(ctx, s.store)
	return nil
}

// startWorkers launches the background loops; they stop with ctx.
func (s *Server) startWorkers(ctx context.Context) {
	s.Cache.StartSweeper(ctx, s.cfg.CacheSweepInterval)
	s.Limiter.StartJanitor(ctx, janitorInterval)
	s.Checker.Start(ctx)
	go s.Collector.Start(ctx)
	go s.Hub.Run(ctx)
}

func (s *Server) stopWorkers() {
	s.Cache.StopSweeper()
	s.Limiter.Stop()
	s.Checker.Stop()
	s.Collector.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.Uploads.Close()
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.startWorkers(workerCtx)
	defer s.stopWorkers()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", addr, "environment", s.cfg.Env, "version", s.cfg.ServiceVersion)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
