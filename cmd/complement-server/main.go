package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/admission/internal/config"
	"github.com/ehr/admission/internal/domain/complement"
	"github.com/ehr/admission/internal/platform/auth"
	"github.com/ehr/admission/internal/platform/middleware"
	"github.com/ehr/admission/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "complement-server",
		Short: "Hospital eligibility (set complement) service",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the complement server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.LoadComplement()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set: hospital names are fetched without a service token")
	}

	tp, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "complement-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TraceExporter:  cfg.TraceExporter,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	tp.InstallGlobal()
	defer tp.Shutdown(context.Background())

	e := newServer(cfg, &http.Client{Timeout: cfg.ComplementTimeout}, tp, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("admission_url", cfg.AdmissionURL).Msg("starting complement server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the complement service. Hospital names are read from the
// admission service on every request.
func newServer(cfg *config.Config, client *http.Client, tp *telemetry.TelemetryProvider, logger zerolog.Logger) *echo.Echo {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.JWTSecret != "" {
		jc.SigningKey = []byte(cfg.JWTSecret)
	}

	var tokens complement.TokenSource
	if len(jc.SigningKey) > 0 {
		tokens = auth.NewServiceTokenSource(auth.NewIssuer(jc, auth.DefaultTokenTTL), "complement-server")
	}

	names := complement.NewHTTPNameSource(cfg.AdmissionURL, client, tokens)
	provider := complement.NewLocalProvider(names, tp)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	authMW := auth.JWTMiddleware(jc)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jc)
	}
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	api := e.Group("", authMW, auth.RequireRole(auth.RoleService), middleware.RateLimit(rateLimitCfg))
	complement.NewHandler(provider, logger).RegisterRoutes(api)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", tp.PrometheusHandler())
	return e
}
