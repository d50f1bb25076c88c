package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port        string `envconfig:"PORT" default:"5000"`
	Env         string `envconfig:"ENV" default:"development"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Admin sessions
	JWTSecret       string        `envconfig:"JWT_SECRET" default:"supersecretkey"`
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"168h"`
	FallbackAdmins  []string      `envconfig:"FALLBACK_ADMINS"` // user:password pairs, used only when the admin table has no match
	BcryptCost      int           `envconfig:"BCRYPT_COST" default:"10"`
	CookieSecureDev bool          `envconfig:"COOKIE_SECURE" default:"false"`

	// Security settings
	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000,http://localhost:5000,http://127.0.0.1:3000,http://127.0.0.1:5000"`
	FrontendURL          string   `envconfig:"FRONTEND_URL"`
	EnableRateLimit      bool     `envconfig:"ENABLE_RATE_LIMIT" default:"true"`
	RateLimitGlobal      float64  `envconfig:"RATE_LIMIT_GLOBAL" default:"100"`
	RateLimitGlobalBurst int      `envconfig:"RATE_LIMIT_GLOBAL_BURST" default:"200"`
	RateLimitPerIP       float64  `envconfig:"RATE_LIMIT_PER_IP" default:"10"`
	RateLimitPerIPBurst  int      `envconfig:"RATE_LIMIT_PER_IP_BURST" default:"20"`
	MaxBodyBytes         int64    `envconfig:"MAX_BODY_BYTES" default:"10485760"`

	// Login limiter
	LoginMaxAttempts int           `envconfig:"LOGIN_MAX_ATTEMPTS" default:"5"`
	LoginWindow      time.Duration `envconfig:"LOGIN_WINDOW" default:"15m"`

	// Response cache
	CacheMaxBytes      int64         `envconfig:"CACHE_MAX_BYTES" default:"52428800"`
	CacheDefaultTTL    time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"30s"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"10s"`
	UploadCacheMB      int64         `envconfig:"UPLOAD_CACHE_MB" default:"8"`

	// Resilience
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerCallTimeout      time.Duration `envconfig:"BREAKER_CALL_TIMEOUT" default:"60s"`
	BreakerResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	HTTPMaxRetries          int           `envconfig:"HTTP_MAX_RETRIES" default:"3"`
	HTTPRetryBase           time.Duration `envconfig:"HTTP_RETRY_BASE" default:"100ms"`
	HTTPTimeout             time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	// Monitoring
	PerfMaxSamples    int           `envconfig:"PERF_MAX_SAMPLES" default:"10000"`
	PerfSlowThreshold time.Duration `envconfig:"PERF_SLOW_THRESHOLD" default:"100ms"`
	HealthInterval    time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	HealthTimeout     time.Duration `envconfig:"HEALTH_TIMEOUT" default:"3s"`
	MetricsInterval   time.Duration `envconfig:"METRICS_INTERVAL" default:"1m"`

	// Outbound email (Brevo)
	BrevoAPIKey    string `envconfig:"BREVO_API_KEY"`
	BrevoFromEmail string `envconfig:"BREVO_FROM_EMAIL"`
	BrevoFromName  string `envconfig:"BREVO_FROM_NAME" default:"ICE Committee"`
	BrevoBaseURL   string `envconfig:"BREVO_BASE_URL" default:"https://api.brevo.com"`

	// Photo upload (Cloudinary)
	CloudinaryCloudName string `envconfig:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `envconfig:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `envconfig:"CLOUDINARY_API_SECRET"`
	CloudinaryFolder    string `envconfig:"CLOUDINARY_FOLDER" default:"ice_committee"`
	CloudinaryBaseURL   string `envconfig:"CLOUDINARY_BASE_URL" default:"https://api.cloudinary.com"`
	UploadMaxBytes      int64  `envconfig:"UPLOAD_MAX_BYTES" default:"3145728"`

	// Observability settings
	LogLevel          string  `envconfig:"LOG_LEVEL" default:"info"`
	OTELEnabled       bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint      string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	OTELSampleRate    float64 `envconfig:"OTEL_TRACE_SAMPLE_RATE" default:"0.1"`
	ServiceVersion    string  `envconfig:"SERVICE_VERSION" default:"2.0.0"`
	SentryDSN         string  `envconfig:"SENTRY_DSN"`
	SentryEnvironment string  `envconfig:"SENTRY_ENVIRONMENT"`
	SentrySampleRate  float64 `envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
}

var (
	mu     sync.Mutex
	cached *Config
)

// Load reads env vars once and caches them. It panics if the environment
// cannot be parsed; use Parse for an error return.
func Load() *Config {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached
	}
	cfg, err := Parse()
	if err != nil {
		panic(err)
	}
	cached = cfg
	return cached
}

// Parse reads the environment without touching the cache.
func Parse() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.SentryEnvironment == "" {
		c.SentryEnvironment = c.Env
	}
	for i := range c.CORSAllowedOrigins {
		c.CORSAllowedOrigins[i] = strings.TrimSpace(c.CORSAllowedOrigins[i])
	}
	if c.FrontendURL != "" {
		c.CORSAllowedOrigins = append(c.CORSAllowedOrigins, c.FrontendURL)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() {
	mu.Lock()
	cached = nil
	mu.Unlock()
}

// IsProduction reports whether ENV=production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Validate rejects settings the resilience layer cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.LoginMaxAttempts < 1 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS must be >= 1"))
	}
	if c.LoginWindow <= 0 {
		errs = append(errs, errors.New("LOGIN_WINDOW must be positive"))
	}
	if c.CacheMaxBytes <= 0 {
		errs = append(errs, errors.New("CACHE_MAX_BYTES must be positive"))
	}
	if c.PerfMaxSamples < 1 {
		errs = append(errs, errors.New("PERF_MAX_SAMPLES must be >= 1"))
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerSuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker thresholds must be >= 1"))
	}
	if c.HTTPMaxRetries < 0 {
		errs = append(errs, errors.New("HTTP_MAX_RETRIES must be >= 0"))
	}
	return errors.Join(errs...)
}

// FallbackAdminCredentials parses FALLBACK_ADMINS into username -> password.
func (c *Config) FallbackAdminCredentials() map[string]string {
	out := make(map[string]string, len(c.FallbackAdmins))
	for _, pair := range c.FallbackAdmins {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" || pass == "" {
			continue
		}
		out[user] = pass
	}
	return out
}
