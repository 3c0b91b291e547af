// Package api exposes the HTTP surface: trigger intake, the proposal review
// queue, and run inspection.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/pipeline"
	"github.com/foiaflow/internal/store"
)

// Server represents the API server
type Server struct {
	echo *echo.Echo
	port int

	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(port int, st store.Store, decisions *pipeline.DecisionHandler, enqueuer pipeline.Enqueuer, tokens *pipeline.TokenService, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:     e,
		port:     port,
		handlers: NewHandlers(st, decisions, enqueuer, tokens, logger),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	v1.POST("/triggers", s.handlers.CreateTrigger)
	v1.GET("/proposals/pending", s.handlers.ListPendingProposals)
	v1.POST("/proposals/:id/decision", s.handlers.DecideProposal)
	v1.GET("/runs/:id", s.handlers.GetRun)
	v1.GET("/cases/:id", s.handlers.GetCase)
	v1.GET("/cases/:id/activity", s.handlers.ListCaseActivity)
}

// Start begins the API server and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}
