package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/adapters/reaper"
	"github.com/texq/texq/internal/adapters/worker"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/data"
	"github.com/texq/texq/internal/engine"
	"github.com/texq/texq/internal/health"
	"github.com/texq/texq/internal/observability/statsd"
	"github.com/texq/texq/internal/publisher"
	"github.com/texq/texq/internal/service"
)

const shutdownWaitTimeout = 15 * time.Second

// ServiceDeps holds the shared infrastructure the service container is built
// from. DB is nil when Postgres is disabled; project compiles are then
// refused and only the one-shot mode is served.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// ServiceContainer holds all constructed services and adapters.
type ServiceContainer struct {
	Compile *service.CompileService
	Health  health.Checker
	Worker  *worker.Runner
	Reaper  *reaper.Runner
	Engine  *engine.Engine
	Metrics *statsd.Client
}

// NewServices wires repositories, the execution engine, and application
// services into a container.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsClient := buildMetrics(logger, cfg.Observability)

	queueRepo := data.NewQueueRepo(deps.RedisClient)
	cancelRepo := data.NewCancelRepo(deps.RedisClient)
	heartbeatRepo := data.NewHeartbeatRepo(deps.RedisClient)
	ephemeralRepo := data.NewEphemeralRepo(deps.RedisClient, cfg.Compile.SpoolDir, cfg.Compile.EphemeralTTL)

	var hook core.StatusChangeHook
	var builds core.BuildReader
	if deps.DB != nil {
		buildRepo := data.NewBuildRepo(deps.DB, data.BuildRepoConfig{})
		hook = buildRepo
		builds = buildRepo
	}

	eng, err := engine.New(engine.Options{
		Config:  cfg.Compile,
		Logger:  logger,
		Cancels: cancelRepo,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build execution engine: %w", err)
	}

	pub := publisher.New(publisher.Options{Client: deps.RedisClient, Logger: logger})

	compileSvc, err := service.NewCompileService(service.CompileServiceOptions{
		Queue:     queueRepo,
		Cancels:   cancelRepo,
		Ephemeral: ephemeralRepo,
		Publisher: pub,
		Hook:      hook,
		Builds:    builds,
		Compile:   cfg.Compile,
		CancelTTL: cfg.Worker.CancelTTL,
		Logger:    logger,
		Metrics:   metricsClient,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build compile service: %w", err)
	}

	workerRunner, err := worker.NewRunner(worker.RunnerOptions{
		Queue:      queueRepo,
		Cancels:    cancelRepo,
		Ephemeral:  ephemeralRepo,
		Engine:     eng,
		Publisher:  pub,
		Hook:       hook,
		Heartbeats: heartbeatRepo,
		Worker:     cfg.Worker,
		Compile:    cfg.Compile,
		Logger:     logger,
		Metrics:    metricsClient,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build worker runner: %w", err)
	}

	reaperRunner, err := reaper.NewRunner(reaper.RunnerOptions{
		Ephemeral:     ephemeralRepo,
		Queue:         queueRepo,
		Config:        cfg.Reaper,
		StalledMaxAge: stalledMaxAge(cfg),
		Logger:        logger,
		Metrics:       metricsClient,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build reaper runner: %w", err)
	}

	checker := health.Select(cfg.Worker, workerRunner.Counters(), heartbeatRepo)

	return ServiceContainer{
		Compile: compileSvc,
		Health:  checker,
		Worker:  workerRunner,
		Reaper:  reaperRunner,
		Engine:  eng,
		Metrics: metricsClient,
	}, nil
}

// stalledMaxAge is how long a claimed job may sit unfinished before it is
// considered abandoned by a crashed worker. Two full compile windows plus the
// heartbeat staleness threshold leaves room for a slow but live worker.
func stalledMaxAge(cfg *config.AppConfig) time.Duration {
	return 2*cfg.Compile.Timeout + cfg.Worker.HeartbeatMaxAge
}

func buildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig) *statsd.Client {
	client, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Metrics.IsEnabled(),
		Address: cfg.Metrics.StatsdAddress,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("statsd client unavailable, metrics disabled", "error", err)
		return nil
	}
	if client.Enabled() {
		logger.Info("statsd metrics enabled", "address", cfg.Metrics.StatsdAddress)
	}
	return client
}

// VerifyWorkerRuntime runs the container runtime pre-flight when the worker
// service is enabled. In dev mode failures are logged instead of fatal so the
// HTTP tier can run without a local container runtime.
func VerifyWorkerRuntime(ctx context.Context, cfg *config.AppConfig, services ServiceContainer, logger *slog.Logger) error {
	if !cfg.IsWorkerEnabled() {
		return nil
	}
	if err := services.Engine.VerifyRuntime(ctx); err != nil {
		if cfg.IsDev {
			logger.WarnContext(ctx, "container runtime pre-flight failed", "error", err)
			return nil
		}
		return fmt.Errorf("container runtime pre-flight: %w", err)
	}
	logger.InfoContext(ctx, "container runtime verified", "image", cfg.Compile.Image)
	return nil
}

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 3)
	var backgrounds []backgroundServiceHandle

	var httpServer *http.Server
	if cfg.Config.IsHTTPServerEnabled() {
		httpServer = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
	}

	if cfg.Config.IsWorkerEnabled() {
		backgrounds = append(backgrounds, launchBackground(serviceCtx, "worker", errCh, logger, cfg.Services.Worker.Run))
	}
	if cfg.Config.IsReaperEnabled() {
		backgrounds = append(backgrounds, launchBackground(serviceCtx, "reaper", errCh, logger, cfg.Services.Reaper.Run))
	}

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  httpServer,
		grace:       cfg.Config.HTTP.ShutdownGrace,
		metrics:     cfg.Services.Metrics,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func launchBackground(
	ctx context.Context,
	name string,
	errCh chan<- error,
	logger *slog.Logger,
	run func(context.Context) error,
) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(name+" stopped with error", "error", err)
			select {
			case errCh <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
	return backgroundServiceHandle{name: name, done: done}
}

type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	grace       time.Duration
	metrics     *statsd.Client
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for a shutdown signal or the first service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.grace)
		defer cancel()

		cfg.logger.Info("shutting down HTTP server")
		if err := cfg.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		cfg.logger.Info("HTTP server stopped")
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.metrics != nil {
		if err := cfg.metrics.Close(); err != nil {
			cfg.logger.Warn("close metrics client failed", "error", err)
		}
	}
	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
