// Package server exposes the engine over HTTP: JSON endpoints for execute,
// suspend, resume and status, and SSE endpoints for event streaming.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calvera-dev/stepflow/internal/engine"
)

// Server mounts the REST/SSE API over an engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	router *gin.Engine
	http   *http.Server
}

// New creates a Server with all routes registered.
func New(eng *engine.Engine, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine: eng,
		logger: logger,
		router: router,
	}
	s.routes()
	return s
}

// Router returns the underlying gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.POST("/workflows/:id/execute", s.handleExecute)
	s.router.POST("/workflows/:id/stream", s.handleExecuteStream)
	s.router.GET("/workflows", s.handleListWorkflows)

	s.router.GET("/executions/:executionId", s.handleStatus)
	s.router.POST("/executions/:executionId/suspend", s.handleSuspend)
	s.router.POST("/executions/:executionId/resume", s.handleResume)
	s.router.GET("/executions/:executionId/events", s.handleExecutionEvents)

	s.router.GET("/events", s.handleFirehose)
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", slog.String("addr", addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
