// Package api exposes the core over HTTP: session lifecycle and chat,
// the decision graph, telemetry snapshots, and a WebSocket bridge onto
// the event bus.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/pkg/architect"
	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/telemetry"
	"github.com/loomhq/loom/pkg/version"
)

// Config assembles the server's collaborators. Architect is optional;
// without it the architect endpoint answers 503.
type Config struct {
	Store     store.Store
	Manager   *engine.Manager
	Graph     *graph.Service
	Telemetry *telemetry.Aggregator
	Bus       *bus.Bus
	Architect *architect.Pipeline
	Logger    *slog.Logger
}

// Server is the HTTP front-end of the core.
type Server struct {
	store     store.Store
	manager   *engine.Manager
	graph     *graph.Service
	telemetry *telemetry.Aggregator
	bus       *bus.Bus
	architect *architect.Pipeline
	logger    *slog.Logger

	http *http.Server
}

// NewServer creates a server; call Start to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     cfg.Store,
		manager:   cfg.Manager,
		graph:     cfg.Graph,
		telemetry: cfg.Telemetry,
		bus:       cfg.Bus,
		architect: cfg.Architect,
		logger:    logger,
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/api/health", s.health)
	router.GET("/api/telemetry", s.telemetrySnapshot)
	router.GET("/ws", gin.WrapF(s.handleWS))

	sessions := router.Group("/api/sessions")
	{
		sessions.POST("", s.startSession)
		sessions.GET("", s.listSessions)
		sessions.GET("/:id", s.getSession)
		sessions.DELETE("/:id", s.stopSession)
		sessions.POST("/:id/archive", s.archiveSession)
		sessions.GET("/:id/messages", s.listMessages)
		sessions.POST("/:id/messages", s.sendMessage)
		sessions.POST("/:id/architect", s.runArchitect)
	}

	g := router.Group("/api/graph")
	{
		g.POST("/nodes", s.addNode)
		g.GET("/nodes", s.listNodes)
		g.GET("/nodes/:id", s.getNode)
		g.POST("/edges", s.addEdge)
		g.GET("/goals", s.activeGoals)
		g.GET("/goals/:id/timeline", s.goalTimeline)
		g.GET("/decisions", s.recentDecisions)
		g.POST("/supersede", s.supersede)
	}

	return router
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"version":         version.Full(),
		"active_sessions": len(s.manager.ListActive()),
	})
}

func (s *Server) telemetrySnapshot(c *gin.Context) {
	if s.telemetry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.telemetry.Snapshot())
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
