// Package server provides the HTTP API for studiod.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/orchestrator"
	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/session"
)

// Pinger reports backing-store liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the session lifecycle over HTTP.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	pinger Pinger
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. gatherer serves /metrics; pass nil
// to use the default registry.
func NewServer(orch *orchestrator.Orchestrator, pinger Pinger, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		pinger: pinger,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes(gatherer)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleStartSession)
	v1.POST("/sessions/import", s.handleImportSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/approve", s.handleApprove)
	v1.POST("/sessions/:id/reject", s.handleReject)
	v1.GET("/sessions/:id/artifacts", s.handleGetArtifacts)
	v1.GET("/sessions/:id/logs", s.handleGetLogs)
	v1.GET("/sessions/:id/checkpoints", s.handleGetCheckpoints)
	v1.GET("/sessions/:id/export", s.handleExportSession)
}

// StartSessionRequest is the request body for POST /api/v1/sessions.
type StartSessionRequest struct {
	Mission     string `json:"mission"`
	ProjectName string `json:"project_name,omitempty"`
}

// StartSessionResponse is the response body for POST /api/v1/sessions.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

// RejectRequest is the request body for POST /api/v1/sessions/:id/reject.
type RejectRequest struct {
	Feedback string `json:"feedback"`
	RejectTo string `json:"reject_to"`
}

// LogsResponse is the response body for GET /api/v1/sessions/:id/logs.
type LogsResponse struct {
	SessionID string `json:"session_id"`
	Logs      string `json:"logs"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// handleReady pings the backing store so load balancers stop routing to
// an instance whose database is gone.
func (s *Server) handleReady(c echo.Context) error {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request().Context()); err != nil {
			s.logger.Warn("readiness probe failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, ReadyResponse{
				Status:    "unavailable",
				Database:  "unavailable",
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return c.JSON(http.StatusOK, ReadyResponse{Status: "ok", Database: "ok", Timestamp: time.Now().UTC()})
}

// handleStartSession creates a session and returns its id. Execution is
// asynchronous; the caller polls GET /sessions/:id.
func (s *Server) handleStartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start session request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.orch.StartNewSession(c.Request().Context(), req.Mission, req.ProjectName)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusAccepted, StartSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	status := phase.Status(c.QueryParam("status"))
	limit := intQueryParam(c, "limit", 0)

	infos, err := s.orch.ListSessions(c.Request().Context(), status, limit)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, infos)
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.orch.GetSessionStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleApprove(c echo.Context) error {
	info, err := s.orch.ApproveAndContinue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleReject(c echo.Context) error {
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid reject request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	info, err := s.orch.RejectAndIterate(c.Request().Context(), c.Param("id"), req.Feedback, req.RejectTo)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleGetArtifacts(c echo.Context) error {
	artifacts, err := s.orch.GetArtifacts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, artifacts)
}

func (s *Server) handleGetLogs(c echo.Context) error {
	id := c.Param("id")
	lines := intQueryParam(c, "lines", 50)

	logs, err := s.orch.GetRecentLogs(c.Request().Context(), id, lines)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, LogsResponse{SessionID: id, Logs: logs})
}

func (s *Server) handleExportSession(c echo.Context) error {
	exp, err := s.orch.ExportSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleImportSession(c echo.Context) error {
	var exp orchestrator.SessionExport
	if err := c.Bind(&exp); err != nil {
		s.logger.Warn("invalid import request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.orch.ImportSession(c.Request().Context(), &exp)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, StartSessionResponse{SessionID: id})
}

func (s *Server) handleGetCheckpoints(c echo.Context) error {
	chain, err := s.orch.GetCheckpointChain(c.Request().Context(), c.Param("id"), intQueryParam(c, "limit", 20))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, chain)
}

// mapError translates domain errors to HTTP status codes. Invalid input
// is 400, unknown sessions 404, operations that conflict with the
// session's current state 409.
func (s *Server) mapError(err error) error {
	var invalidArg *orchestrator.InvalidArgumentError
	var invalidOp *orchestrator.InvalidOperationError

	switch {
	case errors.As(err, &invalidArg):
		return echo.NewHTTPError(http.StatusBadRequest, invalidArg.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &invalidOp):
		return echo.NewHTTPError(http.StatusConflict, invalidOp.Error())
	case errors.Is(err, session.ErrDuplicate), errors.Is(err, checkpoint.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func intQueryParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
