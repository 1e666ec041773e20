// Package api provides the admin HTTP server: project status, search, export,
// maintenance operations, a hook relay, and a websocket status stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/off-context/off-context/internal/admin"
	"github.com/off-context/off-context/internal/api/handlers"
	"github.com/off-context/off-context/internal/api/middleware"
	"github.com/off-context/off-context/internal/buildinfo"
	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/hook"
	"github.com/off-context/off-context/internal/logging"
	"github.com/off-context/off-context/internal/search"
	log "github.com/sirupsen/logrus"
)

type serverOptionConfig struct {
	hooks              *hook.Handler
	logs               *logging.RingBuffer
	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithHookRelay serves POST /api/hook through h.
func WithHookRelay(h *hook.Handler) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.hooks = h
	}
}

// WithLogBuffer exposes rb on GET /api/logs.
func WithLogBuffer(rb *logging.RingBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.logs = rb
	}
}

// WithKeepAliveEndpoint enables a keep-alive endpoint with the provided timeout and callback.
func WithKeepAliveEndpoint(timeout time.Duration, onTimeout func()) ServerOption {
	return func(cfg *serverOptionConfig) {
		if timeout <= 0 || onTimeout == nil {
			return
		}
		cfg.keepAliveEnabled = true
		cfg.keepAliveTimeout = timeout
		cfg.keepAliveOnTimeout = onTimeout
	}
}

// Server represents the admin server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config

	handler *handlers.Handler

	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
	keepAliveHeartbeat chan struct{}
	keepAliveStop      chan struct{}
	stopped            atomic.Bool
}

// NewServer creates the admin server for svc. root is the project served when
// a request names none.
func NewServer(cfg *config.Config, svc *admin.Service, root string, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for _, opt := range opts {
		opt(optionState)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	middleware.SetMetricsEnabled(cfg.Admin.IsMetricsEnabled())
	middleware.AddCollectors(search.Collectors()...)
	middleware.AddCollectors(hook.Collectors()...)

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.PrometheusMiddleware())
	engine.Use(corsMiddleware(cfg.Admin.AllowOrigins))

	h := handlers.NewHandler(svc, optionState.hooks, optionState.logs, root)
	h.SetAllowedOrigins(cfg.Admin.AllowOrigins)

	s := &Server{
		engine:  engine,
		cfg:     cfg,
		handler: h,
	}
	s.setupRoutes()

	if optionState.keepAliveEnabled {
		s.enableKeepAlive(optionState.keepAliveTimeout, optionState.keepAliveOnTimeout)
	}

	s.server = &http.Server{
		Addr:              cfg.Admin.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handler

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "off-context admin server",
			"version": buildinfo.Version,
			"endpoints": []string{
				"GET /api/status",
				"GET /api/search?q=",
				"GET /api/export?format=json|md|text",
				"POST /api/init",
				"POST /api/clear",
				"POST /api/reset",
				"POST /api/reindex",
				"POST /api/import",
				"POST /api/hook",
				"GET /api/logs",
				"GET /api/events",
			},
		})
	})
	s.engine.GET("/healthz", h.Health)
	s.engine.GET("/metrics", middleware.MetricsHandler())

	v := s.engine.Group("/api")
	{
		v.GET("/status", h.Status)
		v.GET("/search", h.Search)
		v.GET("/export", h.Export)
		v.GET("/logs", h.Logs)
		v.GET("/events", h.Events)

		writes := v.Group("")
		writes.Use(middleware.WriteGuard(s.cfg.Admin.AllowOrigins))
		writes.Use(middleware.RequestDecompressionMiddleware())
		writes.POST("/init", h.Init)
		writes.POST("/clear", h.Clear)
		writes.POST("/reset", h.Reset)
		writes.POST("/reindex", h.Reindex)
		writes.POST("/import", h.Import)
		writes.POST("/hook", h.Hook)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "no route for " + c.Request.URL.Path}})
	})
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

func (s *Server) enableKeepAlive(timeout time.Duration, onTimeout func()) {
	s.keepAliveEnabled = true
	s.keepAliveTimeout = timeout
	s.keepAliveOnTimeout = onTimeout
	s.keepAliveHeartbeat = make(chan struct{}, 1)
	s.keepAliveStop = make(chan struct{}, 1)

	s.engine.GET("/keep-alive", s.handleKeepAlive)

	go s.watchKeepAlive()
}

func (s *Server) handleKeepAlive(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	s.signalKeepAlive()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) signalKeepAlive() {
	if !s.keepAliveEnabled {
		return
	}
	select {
	case s.keepAliveHeartbeat <- struct{}{}:
	default:
	}
}

func (s *Server) watchKeepAlive() {
	timer := time.NewTimer(s.keepAliveTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			log.Warnf("keep-alive endpoint idle for %s, shutting down", s.keepAliveTimeout)
			if s.keepAliveOnTimeout != nil {
				s.keepAliveOnTimeout()
			}
			return
		case <-s.keepAliveHeartbeat:
			timer.Reset(s.keepAliveTimeout)
		case <-s.keepAliveStop:
			return
		}
	}
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if errServe := s.server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting any active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	log.Debug("Stopping admin server...")

	if s.keepAliveEnabled {
		select {
		case s.keepAliveStop <- struct{}{}:
		default:
		}
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	log.Debug("admin server stopped")
	return nil
}

// corsMiddleware adds CORS headers for the configured origins. Loopback pages
// are always allowed.
func corsMiddleware(allowOrigins []string) gin.HandlerFunc {
	const (
		allowMethods = "GET, POST, OPTIONS"
		allowHeaders = "Content-Type, Content-Encoding, Authorization"
	)
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))

		allowedOrigin := ""
		if origin != "" {
			switch {
			case middleware.OriginAllowed(allowOrigins, origin):
				allowedOrigin = origin
				if hasWildcard(allowOrigins) {
					allowedOrigin = "*"
				}
			case middleware.IsLoopbackOrigin(origin):
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowedOrigin)
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			if allowedOrigin != "*" {
				c.Header("Vary", "Origin")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
