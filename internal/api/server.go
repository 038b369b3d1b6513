// Package api is the proxy's HTTP front door: a gin engine exposing the
// JSON-RPC POST endpoint, the WebSocket upgrade, and the admin introspection
// surface (health, endpoints, stats, Prometheus exposition), grounded on the
// teacher's Server lifecycle (securityMiddleware, jsonResponse, getClientIP,
// graceful-shutdown Run) adapted from net/http to gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/cache"
	"github.com/PayRpc/rpc-sprint/internal/config"
	"github.com/PayRpc/rpc-sprint/internal/metrics"
	"github.com/PayRpc/rpc-sprint/internal/pool"
	"github.com/PayRpc/rpc-sprint/internal/ratelimit"
	"github.com/PayRpc/rpc-sprint/internal/router"
	"github.com/PayRpc/rpc-sprint/internal/ws"
)

// Server wires the proxy core into an HTTP/WebSocket surface.
type Server struct {
	cfg       config.Config
	pool      *pool.Pool
	cache     *cache.Cache
	router    *router.Router
	multiplex *ws.Multiplex
	limiter   *ratelimit.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger

	engine    *gin.Engine
	srv       *http.Server
	startTime time.Time
}

// New assembles a Server from the proxy's already-constructed components.
func New(cfg config.Config, p *pool.Pool, c *cache.Cache, rt *router.Router, mux *ws.Multiplex, limiter *ratelimit.Service, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		pool:      p,
		cache:     c,
		router:    rt,
		multiplex: mux,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(s.securityHeaders())
	e.Use(s.rateLimitMiddleware())

	e.POST("/", s.handleRPC)
	e.GET("/health", s.handleHealth)
	e.GET("/endpoints", s.handleEndpoints)
	e.GET("/stats", s.handleStats)
	e.GET("/metrics", s.handleStats)
	e.GET("/metrics/prometheus", s.handlePrometheus)
	e.GET("/ws", s.handleWS)

	return e
}

// Run starts the HTTP server and blocks until ctx is cancelled, then drains
// in-flight requests within a 10s grace period, matching the teacher's
// graceful-shutdown-watcher shape.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}()

	s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.BindAddress))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}
