package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/committee-portal/internal/config"
	"github.com/onnwee/committee-portal/internal/db"
	"github.com/onnwee/committee-portal/internal/errorreporting"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/secrets"
	"github.com/onnwee/committee-portal/internal/server"
	"github.com/onnwee/committee-portal/internal/tracing"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.Env)
	if envErr != nil {
		logger.Debug("No .env file found, using process environment")
	}

	if cfg.IsProduction() {
		if err := secrets.ValidateRequired(map[string]string{
			"DATABASE_URL": cfg.DatabaseURL,
			"JWT_SECRET":   cfg.JWTSecret,
		}, "DATABASE_URL", "JWT_SECRET"); err != nil {
			logger.Error("Missing required secrets", "error", err)
			os.Exit(1)
		}
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL not set")
		os.Exit(1)
	}

	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.ServiceVersion,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		logger.Warn("Sentry initialization failed", "error", err)
	}
	defer errorreporting.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
		ServiceName: "committee-portal",
		Version:     cfg.ServiceVersion,
	})
	if err != nil {
		logger.Warn("Tracing initialization failed", "error", err)
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(tctx)
		}()
	}

	logger.Info("Connecting to database", "url", secrets.MaskURL(cfg.DatabaseURL))
	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logger.Error("Database connection failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	srv, err := server.New(cfg, conn)
	if err != nil {
		logger.Error("Server setup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Prepare(ctx); err != nil {
		logger.Error("Database preparation failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
