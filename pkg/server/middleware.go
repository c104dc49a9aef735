package server

import (
	"crypto/subtle"
	"net/http"

	"llmhub/pkg/log"
	"llmhub/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// AdminKeyHeader carries the admin credential.
const AdminKeyHeader = "X-Admin-Key"

// requestLogger writes one zerolog event per request.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Status >= http.StatusInternalServerError {
				event = log.Warn()
			}
			if v.Error != nil {
				event = event.Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("Request")
			return nil
		},
	})
}

// requireAdmin guards admin routes. Without a configured key the routes do not exist.
func (srv *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if srv.opts.AdminKey == "" {
			return ctx.JSON(http.StatusNotFound, models.ErrorResponse{Detail: "Not Found"})
		}

		presented := ctx.Request().Header.Get(AdminKeyHeader)
		if presented == "" {
			return ctx.JSON(http.StatusUnauthorized, models.ErrorResponse{Detail: "Admin key required"})
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(srv.opts.AdminKey)) != 1 {
			return ctx.JSON(http.StatusForbidden, models.ErrorResponse{Detail: "Invalid admin key"})
		}
		return next(ctx)
	}
}
