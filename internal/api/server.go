// Package api serves the remote memory surface: SSE sessions, the
// JSON-RPC messages endpoint, tool discovery and health.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memmesh/memmesh/pkg/engine"
	"github.com/memmesh/memmesh/pkg/observability"
)

// Server is the HTTP server for the MCP surface.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	engine   *engine.Engine
	sessions *sessionTable
	tools    *toolset
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewServer wires the routes over the engine.
func NewServer(eng *engine.Engine, cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Server, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	logger = logger.WithPrefix("api")

	sessions, err := newSessionTable(cfg, logger)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(requestMetrics(metrics))

	s := &Server{
		router:   router,
		engine:   eng,
		sessions: sessions,
		tools:    newToolset(eng),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/tools", s.handleTools)
	s.router.POST("/messages/", s.handleMessages)
	s.router.GET("/:client/sse/:user_id", s.handleSSE)

	if prom, ok := s.metrics.(*observability.PrometheusMetrics); ok {
		s.router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", map[string]interface{}{"address": s.config.ListenAddress})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes every SSE session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.shutdown()
	return s.server.Shutdown(ctx)
}
