// Package api serves the sandbox routes polled and triggered by the MakeX
// web client, plus the status route sandbox agents report to.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/auth"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/lock"
	"github.com/makex/orchestrator/internal/metrics"
	"github.com/makex/orchestrator/internal/middleware"
	"github.com/makex/orchestrator/internal/queue"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Deps are the collaborators of the API server
type Deps struct {
	Store      store.Store
	Dispatcher queue.Dispatcher
	Lifecycle  *lifecycle.Manager
	Providers  *sandbox.Registry
	Auth       *auth.JWTAuth
	Limiter    *middleware.RateLimiter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	AllowedOrigins []string
}

// Server is the HTTP API
type Server struct {
	store      store.Store
	dispatcher queue.Dispatcher
	lifecycle  *lifecycle.Manager
	providers  *sandbox.Registry
	logger     *zap.Logger
	router     *gin.Engine
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		lifecycle:  deps.Lifecycle,
		providers:  deps.Providers,
		logger:     logger,
	}

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(logger, "/health", "/metrics"),
		middleware.Recovery(logger),
		middleware.CORS(deps.AllowedOrigins),
	)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	r.GET("/health", s.health)

	api := r.Group("/api", deps.Auth.Middleware())
	if deps.Limiter != nil {
		api.Use(deps.Limiter.Middleware())
	}
	api.GET("/sandbox", s.getSandbox)
	api.POST("/sandbox", s.triggerSandbox)
	api.PUT("/sandbox/:appId/status", s.reportStatus)
	api.GET("/build-status/:appId", s.buildStatus)

	r.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found", "Route not found")
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "api",
	})
}

// writeError maps domain errors onto the JSON error envelope
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		middleware.AbortWithError(c, http.StatusNotFound, "not_found", "App not found")
	case errors.Is(err, lifecycle.ErrNoSandbox):
		middleware.AbortWithError(c, http.StatusNotFound, "not_found", "No live sandbox")
	case errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, sandbox.ErrIllegalTransition),
		errors.Is(err, lock.ErrLocked):
		middleware.AbortWithError(c, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func badRequest(c *gin.Context, message string) {
	middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request", message)
}
