package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/config"
	"github.com/labresults/lims/internal/domain/exams"
	"github.com/labresults/lims/internal/domain/examtypes"
	"github.com/labresults/lims/internal/domain/results"
	"github.com/labresults/lims/internal/domain/users"
	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/internal/platform/db"
	"github.com/labresults/lims/internal/platform/middleware"
	"github.com/labresults/lims/internal/platform/notification"
	"github.com/labresults/lims/internal/platform/websocket"
)

const version = "0.1.0"

type serverDeps struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	sender  notification.EmailSender
	revoked auth.RevocationStore
}

// newServer wires every service and route onto a fresh echo instance.
func newServer(d serverDeps) (*echo.Echo, error) {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.Handler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), middleware.SanitizeWithLogger(logger))

	// Notifications
	dispatcher, err := notification.NewDispatcher(d.sender, cfg.LabName, logger)
	if err != nil {
		return nil, err
	}

	// Tokens
	loginSigner := auth.NewSigner([]byte(cfg.JWTSecret), "lims")
	resultsTokens := results.NewTokenService(auth.NewSigner([]byte(cfg.ResultsTokenSecret), "lims"))

	// Users and sessions
	userSvc := users.NewService(users.NewRepoPG(d.pool), loginSigner, d.revoked, dispatcher, users.Config{
		FrontendURL: cfg.FrontendURL,
		LoginTTL:    cfg.LoginTokenTTL,
	}, logger)
	userHandler := users.NewHandler(userSvc)
	userHandler.RegisterPublicRoutes(api)

	login := auth.LoginMiddleware(loginSigner, d.revoked, userSvc)
	protected := api.Group("", login)
	userHandler.RegisterRoutes(protected)

	// Examination types
	typeSvc := examtypes.NewService(examtypes.NewRepoPG(d.pool))
	examtypes.NewHandler(typeSvc).RegisterRoutes(protected)

	// Analyses and exams
	examSvc := exams.NewService(
		exams.NewRepoPG(d.pool),
		typeSvc,
		db.NewTransactor(d.pool),
		resultsTokens,
		dispatcher,
		exams.Config{FrontendURL: cfg.FrontendURL, LabName: cfg.LabName},
		logger,
	)
	exams.NewHandler(examSvc).RegisterRoutes(protected)

	// Live dashboard feed
	hub := websocket.NewHub(logger)
	examSvc.SetPublisher(hub)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(api, websocket.TokenFromQuery(), login)

	// Public results page
	results.NewHandler(resultsTokens, examSvc, cfg.LabName).RegisterRoutes(api)

	return e, nil
}
