package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/config"
	"github.com/ehr/admission/internal/domain/admission"
	"github.com/ehr/admission/internal/domain/complement"
	"github.com/ehr/admission/internal/platform/auth"
	"github.com/ehr/admission/internal/platform/db"
	"github.com/ehr/admission/internal/platform/events"
	"github.com/ehr/admission/internal/platform/lock"
	"github.com/ehr/admission/internal/platform/middleware"
	"github.com/ehr/admission/internal/platform/sandbox"
	"github.com/ehr/admission/internal/platform/telemetry"
	"github.com/ehr/admission/internal/platform/websocket"
)

const version = "0.1.0"

// server is a fully wired admission API.
type server struct {
	echo    *echo.Echo
	store   admission.Store
	hub     *websocket.Hub
	closers []func()
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openedStore is a store together with its health check and shutdown hook.
type openedStore struct {
	store admission.Store
	check db.Check
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*openedStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info().Msg("connected to postgres")
		return &openedStore{store: admission.NewPGStore(pool), check: db.PoolCheck(pool), close: pool.Close}, nil

	case config.StoreSQLServer:
		sqlDB, err := db.OpenSQLServer(ctx, cfg.DatabaseURL, int(cfg.DBMaxConns), int(cfg.DBMinConns))
		if err != nil {
			return nil, fmt.Errorf("connect to sql server: %w", err)
		}
		store := admission.NewSQLServerStore(sqlDB)
		if err := store.EnsureSchema(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
		logger.Info().Msg("connected to sql server")
		return &openedStore{store: store, check: db.SQLServerCheck(sqlDB), close: func() { sqlDB.Close() }}, nil

	default:
		store := admission.NewMemoryStore()
		if _, err := sandbox.NewSeeder(store, sandbox.DefaultSeedConfig(), logger).Seed(ctx); err != nil {
			return nil, err
		}
		return &openedStore{store: store, check: db.MemoryCheck(), close: func() {}}, nil
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.JWTSecret != "" {
		jc.SigningKey = []byte(cfg.JWTSecret)
	}
	return jc
}

func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("using redis admission lock")
	return lock.NewRedis(client, lock.DefaultRedisConfig(), logger), func() { client.Close() }, nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), func() {}, nil
	}
	pub, err := events.NewKafkaPublisher(events.DefaultKafkaConfig(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	return pub, pub.Close, nil
}

func newProvider(cfg *config.Config, hospitals *admission.HospitalService, tp *telemetry.TelemetryProvider) complement.Provider {
	if cfg.ComplementMode != config.ComplementRemote {
		return complement.NewLocalProvider(hospitals, tp)
	}
	rc := complement.DefaultRemoteConfig(cfg.ComplementURL)
	if cfg.ComplementTimeout > 0 {
		rc.Timeout = cfg.ComplementTimeout
	}
	if cfg.ComplementMaxAttempts > 0 {
		rc.MaxAttempts = cfg.ComplementMaxAttempts
	}
	var tokens complement.TokenSource
	if cfg.JWTSecret != "" {
		tokens = auth.NewServiceTokenSource(auth.NewIssuer(jwtConfig(cfg), auth.DefaultTokenTTL), "admission-server")
	}
	return complement.NewRemoteProvider(rc, &http.Client{}, tokens, tp)
}

// newServer wires stores, providers and middleware into an Echo instance.
// Background work stops when ctx is cancelled.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.close()
		return nil, err
	}

	opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	srv.store = opened.store
	srv.closers = append(srv.closers, opened.close)

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(srv.closers, closeLocker)

	broker, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(srv.closers, closePublisher)

	hub := websocket.NewHub(logger)
	srv.hub = hub
	srv.closers = append(srv.closers, hub.Close)
	publisher := events.Fanout{broker, hub}

	tp, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "admission-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TraceExporter:  cfg.TraceExporter,
	})
	if err != nil {
		return fail(err)
	}
	tp.InstallGlobal()
	srv.closers = append(srv.closers, func() { tp.Shutdown(context.Background()) })

	patients := admission.NewPatientService(opened.store, opened.store, publisher, logger)
	hospitals := admission.NewHospitalService(opened.store, publisher, logger)
	provider := newProvider(cfg, hospitals, tp)
	matcherCfg := admission.DefaultMatcherConfig()
	if cfg.MatchConcurrency > 0 {
		matcherCfg.Concurrency = cfg.MatchConcurrency
	}
	matcher := admission.NewMatcher(opened.store, provider, locker, publisher, tp, logger, matcherCfg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "If-None-Match"},
		ExposeHeaders: []string{admission.HeaderAdmissionFailures, "ETag", "X-RateLimit-Remaining", "Retry-After"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth
	jc := jwtConfig(cfg)
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
	limiter := middleware.NewRateLimiter(rateLimitCfg)
	limiter.StartCleanup(ctx, time.Minute)

	apiV1 := e.Group("/api/v1", authMW, limiter.Middleware(), middleware.Audit(logger), middleware.ETag())
	admission.NewHandler(patients, hospitals, matcher, logger).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(
		apiV1.Group("", auth.RequireRole(auth.RoleReader, auth.RoleRegistrar, auth.RoleService)))

	if cfg.IsDev() {
		sandbox.NewSeedHandler(opened.store, logger).RegisterRoutes(apiV1.Group("/sandbox", auth.RequireRole(auth.RoleAdmin)))
		if len(jc.SigningKey) > 0 {
			e.POST("/jwt", auth.NewIssuer(jc, auth.DefaultTokenTTL).Handler())
		}
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(opened.check))
	e.GET("/metrics", tp.PrometheusHandler())

	srv.echo = e
	return srv, nil
}
