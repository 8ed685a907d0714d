// Package api provides the HTTP API server implementation for the Replicate proxy.
// It includes the main server struct, routing setup, middleware for CORS and bearer
// authentication, and the OpenAI-compatible chat completion handlers.
// The server supports hot-reloading of its configuration snapshot.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReplicateProxyAPI/internal/api/middleware"
	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	apierrors "github.com/router-for-me/ReplicateProxyAPI/internal/errors"
	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/logging"
	"github.com/router-for-me/ReplicateProxyAPI/internal/registry"
	"github.com/router-for-me/ReplicateProxyAPI/internal/util"
	"github.com/router-for-me/ReplicateProxyAPI/sdk/api/handlers"
	"github.com/router-for-me/ReplicateProxyAPI/sdk/api/handlers/openai"
	log "github.com/sirupsen/logrus"
)

const (
	defaultAllowMethods = "GET, POST, OPTIONS"
	defaultAllowHeaders = "Authorization, Content-Type, X-Request-Id"
	authRealm           = `Bearer realm="replicate-proxy"`
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	backendFactory     handlers.BackendFactory
	reporter           handlers.Reporter
	registry           *registry.ModelRegistry
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends middleware after the built-in chain.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator gives callers access to the gin engine before routes are attached.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithBackendFactory replaces the per-request Replicate client constructor.
func WithBackendFactory(factory handlers.BackendFactory) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.backendFactory = factory
	}
}

// WithReporter replaces the Prometheus outcome reporter.
func WithReporter(reporter handlers.Reporter) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.reporter = reporter
	}
}

// WithRegistry supplies a prebuilt model alias registry.
func WithRegistry(reg *registry.ModelRegistry) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.registry = reg
	}
}

// Server represents the main API server.
// It encapsulates the Gin engine, HTTP server, handlers, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the API handlers for processing requests.
	handlers *handlers.BaseAPIHandler

	// registry resolves public model aliases; rebuilt on config reload.
	registry *registry.ModelRegistry

	// cfgHolder provides race-safe config snapshots for middleware and handler reads.
	cfgHolder atomic.Value
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
//
// Parameters:
//   - cfg: The server configuration
//   - opts: Optional construction overrides
//
// Returns:
//   - *Server: A new server instance
func NewServer(cfg *config.Config, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug || cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())
	reporter := optionState.reporter
	if reporter == nil {
		reporter = middleware.NewPrometheusReporter()
	}
	reg := optionState.registry
	if reg == nil {
		reg = registry.NewModelRegistryFromConfig(cfg)
	}

	s := &Server{
		engine:   engine,
		registry: reg,
	}
	s.cfgHolder.Store(cfg)
	s.handlers = handlers.NewBaseAPIHandlers(s.getConfig, reg, optionState.backendFactory, reporter)

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.ConnectionTrackerMiddleware(middleware.ActiveConnections))
	engine.Use(middleware.PrometheusMiddleware())
	engine.Use(middleware.RequestDecompressionMiddleware())
	engine.Use(corsMiddleware(s.getConfig))
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.GetPort()),
		Handler: engine,
	}

	return s
}

// setupRoutes configures the API routes for the server.
// It defines the endpoints and associates them with their respective handlers.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)
	authMiddleware := AuthMiddleware(s.handlers)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions", authMiddleware, openaiHandlers.ChatCompletions)
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_connections": middleware.ActiveConnections.Count()})
	})

	s.engine.GET("/metrics", middleware.MetricsHandler())

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Replicate Proxy API Server",
			"endpoints": []string{
				"GET /v1/models",
				"POST /v1/chat/completions",
			},
		})
	})

	notFound := func(c *gin.Context) {
		s.handlers.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusNotFound,
			Error: &apierrors.AppError{
				HTTPStatusCode: http.StatusNotFound,
				Code:           "not_found",
				Type:           "invalid_request_error",
				Message:        fmt.Sprintf("Unknown request URL: %s %s", c.Request.Method, c.Request.URL.Path),
			},
		})
	}
	s.engine.NoRoute(notFound)
	s.engine.NoMethod(notFound)
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
//
// Returns:
//   - error: An error if the server fails to start
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}

	log.Infof("Starting API server on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}

	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
//
// Parameters:
//   - ctx: The context for graceful shutdown
//
// Returns:
//   - error: An error if the server fails to stop
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}

	log.Debug("API server stopped")
	return nil
}

// UpdateConfig swaps the configuration snapshot served to new requests.
// In-flight requests keep the snapshot they started with. The listen address is not changed.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}
	s.cfgHolder.Store(cfg)
	s.registry.ApplyConfig(cfg)
	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())
	log.Infof("configuration applied: %d models, default %q", len(s.registry.Supported()), cfg.DefaultModel)
}

func (s *Server) getConfig() *config.Config {
	if s == nil {
		return nil
	}
	if v := s.cfgHolder.Load(); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return nil
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response and answers preflight requests with 204.
//
// Returns:
//   - gin.HandlerFunc: The CORS middleware handler
func corsMiddleware(getCfg func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := (*config.Config)(nil)
		if getCfg != nil {
			cfg = getCfg()
		}

		origin := strings.TrimSpace(c.GetHeader("Origin"))
		allowOrigins := []string{}
		allowMethods := defaultAllowMethods
		allowHeaders := defaultAllowHeaders
		if cfg != nil {
			allowOrigins = cfg.CORS.AllowOrigins
			if len(cfg.CORS.AllowMethods) > 0 {
				allowMethods = strings.Join(cfg.CORS.AllowMethods, ", ")
			}
			if len(cfg.CORS.AllowHeaders) > 0 {
				allowHeaders = strings.Join(cfg.CORS.AllowHeaders, ", ")
			}
		}

		allowedOrigin := ""
		switch {
		case len(allowOrigins) == 0:
			allowedOrigin = "*"
		case originAllowed(allowOrigins, origin):
			allowedOrigin = origin
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

func originAllowed(allowOrigins []string, origin string) bool {
	if origin == "" || len(allowOrigins) == 0 {
		return false
	}
	for _, allowed := range allowOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// AuthMiddleware extracts the caller's Replicate credential from "Authorization: Bearer <token>"
// and stores it for the handler. The proxy holds no credentials of its own.
func AuthMiddleware(h *handlers.BaseAPIHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := bearerToken(header)
		if !ok {
			rejectAuth(c, h, "missing_or_invalid_header",
				"Missing or invalid Authorization header. Expected: Authorization: Bearer <replicate-api-token>",
				authRealm)
			return
		}
		if minLen := h.Config().Limits.GetMinCredentialLength(); len(token) < minLen {
			handlers.LogEntry(c).Debugf("rejecting short credential %s", util.HideAPIKey(token))
			rejectAuth(c, h, "invalid_api_key",
				"Invalid API key: the supplied credential is too short",
				`Bearer error="invalid_token"`)
			return
		}
		handlers.SetCredential(c, token)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func rejectAuth(c *gin.Context, h *handlers.BaseAPIHandler, code, message, challenge string) {
	h.WriteErrorResponse(c, &interfaces.ErrorMessage{
		StatusCode: http.StatusUnauthorized,
		Error: &apierrors.AppError{
			HTTPStatusCode: http.StatusUnauthorized,
			Code:           code,
			Type:           "invalid_request_error",
			Message:        message,
		},
		Addon: http.Header{"WWW-Authenticate": {challenge}},
	})
	c.Abort()
}
