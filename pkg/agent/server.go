package agent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmhub/pkg/log"
	"llmhub/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the node's /execute and /health endpoints.
type Server struct {
	cfg    Config
	ollama *Ollama
	agent  *Agent
	echo   *echo.Echo
}

// NewServer creates the agent HTTP server. agent may be nil.
func NewServer(cfg Config, ollama *Ollama, agent *Agent) *Server {
	srv := &Server{
		cfg:    cfg,
		ollama: ollama,
		agent:  agent,
		echo:   echo.New(),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr and starts the heartbeat loop, then blocks until SIGINT or SIGTERM.
func (s *Server) Start(addr string) error {
	go func() {
		log.Info().
			Str("addr", addr).
			Str("node_id", s.cfg.NodeID).
			Str("ollama_url", s.cfg.OllamaURL).
			Msg("Starting node agent")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Agent startup failed")
		}
	}()

	if s.agent != nil {
		s.agent.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

// Shutdown stops heartbeats and the HTTP server.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down agent...")

	if s.agent != nil {
		s.agent.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Agent shutdown failed")
		return err
	}

	log.Info().Msg("Agent stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.POST("/execute", s.execute)
	s.echo.GET("/health", s.health)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.cfg.NodeID,
	})
}

// execute relays a job to Ollama and copies its answer back verbatim.
func (s *Server) execute(c echo.Context) error {
	var job models.JobRequest
	if err := c.Bind(&job); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "invalid job body"})
	}
	if job.Model == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "model is required"})
	}
	if job.Prompt == "" && len(job.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "prompt or messages is required"})
	}

	ctx := c.Request().Context()
	if s.cfg.ExecuteTimeout > 0 && !job.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
		defer cancel()
	}

	resp, err := s.ollama.Execute(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("model", job.Model).Msg("Ollama request failed")
		return c.JSON(http.StatusBadGateway, models.ErrorResponse{Detail: err.Error()})
	}
	defer resp.Body.Close()

	log.Debug().
		Str("model", job.Model).
		Int("status", resp.StatusCode).
		Bool("stream", job.Stream).
		Msg("Job executed")

	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Stream(resp.StatusCode, contentType, resp.Body)
}
