// Package server is the hub's HTTP gateway.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmhub/pkg/admission"
	"llmhub/pkg/heartbeat"
	"llmhub/pkg/log"
	"llmhub/pkg/registry"
	"llmhub/pkg/requestlog"
	"llmhub/pkg/router"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const defaultShutdownTimeout = 10 * time.Second

// Pricing converts cloud token counts to cost.
type Pricing interface {
	Cost(tokens int64) float64
}

// Options holds gateway settings.
type Options struct {
	AdminKey        string
	ShutdownTimeout time.Duration
	Version         string
}

// Deps are the components the gateway serves.
type Deps struct {
	Registry   *registry.Registry
	Heartbeats *heartbeat.Receiver
	Admission  *admission.Controller
	Router     *router.Router
	RequestLog *requestlog.Log
	Pricing    Pricing

	// Closers run on shutdown after the HTTP server stops, in order.
	Closers []func() error
}

// Server is the hub gateway.
type Server struct {
	opts Options
	deps Deps
	echo *echo.Echo
}

// New creates the gateway and registers its routes.
func New(opts Options, deps Deps) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	srv := &Server{
		opts: opts,
		deps: deps,
		echo: echo.New(),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.echo
}

// Start serves on addr and blocks until SIGINT or SIGTERM.
func (srv *Server) Start(addr string) error {
	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", srv.opts.Version).
			Bool("admin_routes", srv.opts.AdminKey != "").
			Msg("Starting hub")

		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return srv.Shutdown()
}

// Shutdown stops accepting requests, waits for in-flight ones and runs the closers.
func (srv *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), srv.opts.ShutdownTimeout)
	defer cancel()

	if err := srv.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Server gracefully stopped")

	for _, closeFn := range srv.deps.Closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Cleanup failed")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func (srv *Server) setupRoutes() {
	srv.echo.HideBanner = true
	srv.echo.HidePort = true

	srv.echo.Use(middleware.RequestID())
	srv.echo.Use(requestLogger())
	srv.echo.Use(middleware.Recover())

	srv.echo.GET("/healthz", srv.healthz)

	srv.echo.POST("/nodes/heartbeat", srv.nodeHeartbeat)
	srv.echo.GET("/nodes", srv.listNodes)
	srv.echo.GET("/nodes/:id", srv.getNode)
	srv.echo.DELETE("/nodes/:id", srv.deleteNode, srv.requireAdmin)

	srv.echo.POST("/jobs", srv.submitJob)
	srv.echo.POST("/v1/chat/completions", srv.chatCompletions)
	srv.echo.GET("/v1/models", srv.listModels)

	srv.echo.GET("/logs", srv.recentLogs)
	srv.echo.GET("/callers/:id/usage", srv.callerUsage, srv.requireAdmin)
}

func (srv *Server) healthz(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"nodes":  srv.deps.Registry.Len(),
	})
}
