package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := Load()
	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LoginWindow)
	assert.Equal(t, int64(50*1024*1024), cfg.CacheMaxBytes)
	assert.Equal(t, 3, cfg.HTTPMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.HTTPRetryBase)
	assert.Equal(t, 10000, cfg.PerfMaxSamples)
	assert.Equal(t, 100*time.Millisecond, cfg.PerfSlowThreshold)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, "development", cfg.SentryEnvironment)
	assert.False(t, cfg.IsProduction())
}

func TestLoadIsCached(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := Load()
	t.Setenv("PORT", "9999")
	assert.Same(t, first, Load())

	ResetForTest()
	assert.Equal(t, "9999", Load().Port)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("LOGIN_WINDOW", "1m")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FRONTEND_URL", "https://portal.example")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.LoginMaxAttempts)
	assert.Equal(t, time.Minute, cfg.LoginWindow)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://portal.example"}, cfg.CORSAllowedOrigins)
}

func TestParseRejectsInvalidWindow(t *testing.T) {
	t.Setenv("LOGIN_WINDOW", "0s")
	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOGIN_WINDOW")
}

func TestFallbackAdminCredentials(t *testing.T) {
	cfg := &Config{FallbackAdmins: []string{"ice_dep:secret", "broken", " noor:pw ", ":nouser"}}
	assert.Equal(t, map[string]string{"ice_dep": "secret", "noor": "pw"}, cfg.FallbackAdminCredentials())
}
