// Package http provides the shared echo server setup of the HCC gateway:
// standard middleware, health endpoint, API key check, and graceful
// shutdown.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
)

// NewEchoServer creates an echo server with the standard middleware stack.
func NewEchoServer(server config.ServerConfig, security config.SecurityConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = server.Debug
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger())

	if server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(server.BodyLimit))
	}

	if len(security.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: security.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				"X-API-Key",
				"X-User-ID",
			},
		}))
	}

	if security.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(security.RateLimit),
		)))
	}

	if security.APIKey != "" {
		e.Use(APIKeyMiddleware(security.APIKey))
	}

	return e
}

// RequestLogger logs every request through the structured logger.
func RequestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			common.Logger.WithFields(map[string]interface{}{
				"status":  v.Status,
				"method":  v.Method,
				"uri":     v.URI,
				"latency": v.Latency.String(),
			}).Info("Request handled")
			return nil
		},
	})
}

// APIKeyMiddleware rejects requests without the configured X-API-Key header.
// The health endpoint stays open for probes.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/health" {
				return next(c)
			}

			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			if key != apiKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
}

// HealthCheckHandler reports the service as healthy.
func HealthCheckHandler(serviceName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
		})
	}
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorHandler renders every error as the standard JSON error body.
func ErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if err := c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: message}); err != nil {
		common.Logger.WithError(err).Error("Failed to send error response")
	}
}

// StartServer starts the echo server with the configured timeouts. Blocks
// until the server stops.
func StartServer(e *echo.Echo, server config.ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", server.Host, server.Port),
		ReadTimeout:  server.ReadTimeout,
		WriteTimeout: server.WriteTimeout,
	}
	common.Logger.WithField("addr", s.Addr).Info("Starting HTTP server")
	return e.StartServer(s)
}

// GracefulShutdown drains in-flight requests before stopping.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	common.Logger.Info("Shutting down HTTP server")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
