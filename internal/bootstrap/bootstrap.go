// Package bootstrap wires the dependencies shared by the api, worker and
// makexctl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/config"
	"github.com/makex/orchestrator/internal/events"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/lock"
	"github.com/makex/orchestrator/internal/metrics"
	"github.com/makex/orchestrator/internal/proxy"
	"github.com/makex/orchestrator/internal/queue"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
	"github.com/makex/orchestrator/internal/workspace"
)

// MetricsNamespace prefixes every exported metric
const MetricsNamespace = "makex"

// App holds the long-lived clients of a process
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     *store.GormStore
	Redis     *redis.Client
	Proxy     *proxy.Registry
	Locker    *lock.RedisLocker
	Providers *sandbox.Registry
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Manager
	Tasks     *queue.Registry

	rabbit  *queue.RabbitQueue
	closers []func() error
}

// New connects to Postgres and Redis, builds the providers and the
// lifecycle manager, and registers the lifecycle tasks.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.onClose(a.Store.Close)

	a.Redis, err = proxy.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.onClose(a.Redis.Close)

	a.Metrics = metrics.NewMetrics(MetricsNamespace, nil)

	a.Proxy = proxy.NewRegistry(a.Redis, cfg.Proxy, logger.Named("proxy"))
	a.Proxy.SetRecorder(a.Metrics)
	a.Locker = lock.NewRedisLocker(a.Redis, cfg.LockTTL)

	providers, closers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Providers = providers
	a.closers = append(a.closers, closers...)

	a.Events = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka, logger.Named("events"))
		if err != nil {
			return nil, err
		}
		a.Events = kp
		a.onClose(kp.Close)
	}

	a.Lifecycle = lifecycle.NewManager(a.Store, a.Providers, a.Proxy, a.Locker, cfg.Lifecycle, logger.Named("lifecycle"))
	a.Lifecycle.SetPublisher(a.Events)
	a.Lifecycle.SetRecorder(a.Metrics)

	a.Tasks = queue.NewRegistry(logger.Named("queue"))
	a.Tasks.SetObserver(a.Metrics)
	a.Tasks.SetTaskTimeout(cfg.Lifecycle.OperationTimeout)
	a.Lifecycle.RegisterTasks(a.Tasks)

	logger.Info("orchestrator initialized",
		zap.Any("providers", a.Providers.Names()),
		zap.String("queue", cfg.Queue.Driver),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0),
	)
	return a, nil
}

// BuildProviders creates every configured provider. Hosted providers are
// enabled by their credentials, Docker by its flag.
func BuildProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sandbox.Registry, []func() error, error) {
	pc := cfg.Providers
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	var (
		providers []sandbox.Provider
		closers   []func() error
	)

	if pc.E2B.APIKey != "" {
		p, err := sandbox.NewE2BProvider(pc.E2B, httpClient, logger.Named("provider.e2b"))
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}
	if pc.Daytona.APIKey != "" {
		p, err := sandbox.NewDaytonaProvider(pc.Daytona, httpClient, logger.Named("provider.daytona"))
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}
	if pc.Fly.APIToken != "" {
		p, err := sandbox.NewFlyProvider(pc.Fly, httpClient, logger.Named("provider.fly"))
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}
	if pc.DockerEnabled {
		var archive sandbox.WorkspaceArchive
		if cfg.Workspace.Enabled {
			storage, err := workspace.NewMinIOStorage(ctx, cfg.Workspace.MinIO, logger.Named("workspace"))
			if err != nil {
				return nil, nil, err
			}
			archive = storage
		}
		p, err := sandbox.NewDockerProvider(pc.Docker, archive, logger.Named("provider.docker"))
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
		closers = append(closers, p.Close)
	}

	if len(providers) == 0 {
		return nil, nil, errors.New("no sandbox provider configured")
	}

	registry := sandbox.NewRegistry(providers...)
	if err := registry.SetDefault(pc.Default); err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, fmt.Errorf("default provider: %w", err)
	}
	return registry, closers, nil
}

// RabbitQueue returns the RabbitMQ task queue, connecting on first use
func (a *App) RabbitQueue() (*queue.RabbitQueue, error) {
	if a.rabbit != nil {
		return a.rabbit, nil
	}
	rq, err := queue.NewRabbitQueue(a.Config.Queue.URL, a.Tasks, a.Logger.Named("queue"))
	if err != nil {
		return nil, err
	}
	a.rabbit = rq
	a.onClose(rq.Close)
	return rq, nil
}

// Dispatcher returns the dispatcher selected by the queue driver
func (a *App) Dispatcher() (queue.Dispatcher, error) {
	if a.Config.Queue.Driver == config.QueueInline {
		d := queue.NewInlineDispatcher(a.Tasks)
		a.onClose(func() error {
			d.Wait()
			return nil
		})
		return d, nil
	}
	return a.RabbitQueue()
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
