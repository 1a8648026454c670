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

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/bootstrap"
	"github.com/makex/orchestrator/internal/config"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Environment, cfg.LogLevel)
	defer logging.Sync()
	logger.Info("Starting MakeX worker...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.Close()

	scheduler := lifecycle.NewScheduler(app.Locker, logger.Named("cron"), app.Lifecycle.Jobs()...)
	scheduler.SetRecorder(app.Metrics)
	scheduler.Start(ctx)
	logger.Info("cron jobs scheduled", zap.Strings("jobs", scheduler.Names()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.HTTP.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("port", cfg.HTTP.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// The consumer finishes the delivery in progress before returning
	consumeErr := make(chan error, 1)
	consuming := false
	if cfg.Queue.Driver == config.QueueRabbitMQ {
		rq, err := app.RabbitQueue()
		if err != nil {
			logger.Fatal("failed to connect to task queue", zap.Error(err))
		}
		host, _ := os.Hostname()
		consuming = true
		go func() {
			consumeErr <- rq.Consume(ctx, "makex-worker-"+host)
		}()
	} else {
		logger.Info("inline queue driver, worker only runs cron jobs")
	}

	select {
	case <-ctx.Done():
	case err := <-consumeErr:
		consuming = false
		if err != nil {
			logger.Error("task consumer stopped", zap.Error(err))
		}
		stop()
	}

	logger.Info("worker shutting down, waiting for running tasks...")
	scheduler.Stop()
	if consuming {
		if err := <-consumeErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("task consumer stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
