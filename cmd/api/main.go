package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/api"
	"github.com/makex/orchestrator/internal/auth"
	"github.com/makex/orchestrator/internal/bootstrap"
	"github.com/makex/orchestrator/internal/config"
	"github.com/makex/orchestrator/internal/logging"
	"github.com/makex/orchestrator/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Environment, cfg.LogLevel)
	defer logging.Sync()
	logger.Info("Starting MakeX API...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.Close()

	dispatcher, err := app.Dispatcher()
	if err != nil {
		logger.Fatal("failed to create task dispatcher", zap.Error(err))
	}

	jwtAuth, err := auth.NewJWTAuth(cfg.Auth)
	if err != nil {
		logger.Fatal("failed to configure auth", zap.Error(err))
	}

	rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit)
	defer rateLimiter.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := api.NewServer(api.Deps{
		Store:          app.Store,
		Dispatcher:     dispatcher,
		Lifecycle:      app.Lifecycle,
		Providers:      app.Providers,
		Auth:           jwtAuth,
		Limiter:        rateLimiter,
		Metrics:        app.Metrics,
		Logger:         logger.Named("api"),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("API listening", zap.String("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("API shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("API stopped")
}
