package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/bootstrap"
	"github.com/cuongbtq/resilient-worker/internal/breaker"
	"github.com/cuongbtq/resilient-worker/internal/config"
	"github.com/cuongbtq/resilient-worker/internal/downstream"
	"github.com/cuongbtq/resilient-worker/internal/monitor"
	"github.com/cuongbtq/resilient-worker/internal/telemetry"
	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker"
	"github.com/cuongbtq/resilient-worker/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	classes, err := cfg.Worker.EnabledClasses()
	if err != nil {
		return err
	}

	pipelines, err := bootstrap.BuildPipelines(&cfg.Jobs, classes)
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	if err := declareTopology(ctx, rabbitClient, bootstrap.TopologySpec(pipelines), appLogger.Component("topology")); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	store, redisClient, err := initBreakerStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize breaker store: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := telemetry.New()

	workers, err := initWorkers(cfg, pipelines, rabbitClient, store, metrics, appLogger.Logger)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Addr, metrics, appLogger.Component("metrics"))
	}

	if cfg.Monitor.Enabled {
		queueMonitor, err := initMonitor(cfg, metrics, appLogger.Component("monitor"))
		if err != nil {
			return fmt.Errorf("failed to initialize monitor: %w", err)
		}
		go queueMonitor.Run(ctx)
	}

	// Start workers
	var wg sync.WaitGroup
	errChan := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				errChan <- err
			}
		}(w)
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("workers", len(workers)),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop workers
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// declareTopology declares the queues and exchanges of every pipeline on a
// short-lived channel
func declareTopology(ctx context.Context, client *rabbitmq.Client, spec topology.Spec, logger *slog.Logger) error {
	ch, err := client.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return topology.NewManager(ch, logger).DeclareTopology(ctx, spec)
}

// initBreakerStore returns the store that holds circuit breaker state. The
// redis client is nil for the in-memory store.
func initBreakerStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (breaker.Store, *redis.Client, error) {
	if cfg.Breaker.Store != config.BreakerStoreRedis {
		logger.Info("Circuit breaker state is process local")
		return breaker.NewMemoryStore(), nil, nil
	}

	client, err := bootstrap.InitRedis(ctx, &cfg.Redis, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Circuit breaker state is shared through redis",
		slog.String("key_prefix", cfg.Breaker.KeyPrefix),
	)
	return breaker.NewRedisStore(client, cfg.Breaker.KeyPrefix), client, nil
}

// initWorkers builds the breaker, dispatcher and consumer of every pipeline
func initWorkers(
	cfg *config.Config,
	pipelines []bootstrap.Pipeline,
	client *rabbitmq.Client,
	store breaker.Store,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, len(pipelines))

	for _, p := range pipelines {
		handler, err := downstream.NewSimulated(p.Class, p.Job.Simulation.Settings(), logger)
		if err != nil {
			return nil, fmt.Errorf("downstream for %s: %w", p.Class, err)
		}

		guard, err := breaker.New(p.Job.Breaker.BreakerConfig(string(p.Class)),
			breaker.WithStore(store),
			breaker.WithLogger(logger),
			breaker.WithStateListener(metrics.BreakerStateChanged),
		)
		if err != nil {
			return nil, fmt.Errorf("circuit breaker for %s: %w", p.Class, err)
		}

		dispatcher, err := worker.NewDispatcher(worker.DispatcherConfig{
			Topology:  p.Topology,
			Policy:    p.Policy,
			Guard:     guard,
			Handler:   handler,
			Publisher: client,
			Observer:  metrics,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dispatcher for %s: %w", p.Class, err)
		}

		ch, err := client.Channel()
		if err != nil {
			return nil, fmt.Errorf("consumer channel for %s: %w", p.Class, err)
		}

		w, err := worker.NewWorker(&worker.Config{
			Logger:        logger,
			Channel:       ch,
			Dispatcher:    dispatcher,
			WorkerID:      fmt.Sprintf("%s-%s", p.Class, uuid.NewString()[:8]),
			Concurrency:   cfg.Worker.Concurrency,
			PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		})
		if err != nil {
			ch.Close()
			return nil, err
		}

		workers = append(workers, w)
	}

	return workers, nil
}

// initMonitor builds the wait-queue depth monitor
func initMonitor(cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*monitor.Monitor, error) {
	mgmt := cfg.RabbitMQ.Management
	return monitor.New(monitor.Config{
		Inspector: monitor.NewManagementClient(mgmt.URL, mgmt.User, mgmt.Password, mgmt.Timeout),
		Recorder:  metrics,
		Logger:    logger,
		VHost:     cfg.RabbitMQ.VHost,
		Queues:    cfg.Monitor.Queues,
		Interval:  cfg.Monitor.Interval,
		Threshold: cfg.Monitor.Threshold,
	})
}

// startMetricsServer serves GET /metrics in the background
func startMetricsServer(addr string, metrics *telemetry.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", addr))
	return srv
}
