package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/99minutos/fleet-tracking/docs"
	"github.com/99minutos/fleet-tracking/internal/api/handler"
	"github.com/99minutos/fleet-tracking/internal/api/middleware"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Location  *handler.LocationHandler
	Stream    *handler.StreamHandler
	Health    *handler.HealthHandler
	Readiness *handler.HealthDependenciesHandler
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(h Handlers, jwtSecret string, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(log)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(requestLogger(log))
	e.Use(echoprometheus.NewMiddleware("fleet"))

	// --- Health probes and tooling (no auth required) ---
	e.GET("/health", h.Health.Liveness)
	if h.Readiness != nil {
		e.GET("/health/ready", h.Readiness.Readiness)
	}
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// --- Authenticated API ---
	v1 := e.Group("/v1", middleware.Auth(jwtSecret))

	ingest := middleware.RBAC(domain.RoleDevice, domain.RoleAdmin)
	v1.POST("/locations", h.Location.Ingest, ingest)
	v1.POST("/locations/batch", h.Location.IngestBatch, ingest)
	v1.GET("/vehicles/:vehicleId/last-accepted", h.Location.LastAccepted,
		middleware.RBAC(domain.RoleDevice, domain.RoleOperator, domain.RoleAdmin))

	if h.Stream != nil {
		v1.GET("/stream", h.Stream.Stream, middleware.RBAC(domain.RoleOperator, domain.RoleAdmin))
	}

	return e
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= 500 {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}
