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
	"syscall"

	"github.com/cuongbtq/resilient-worker/internal/api/handler"
	"github.com/cuongbtq/resilient-worker/internal/api/router"
	"github.com/cuongbtq/resilient-worker/internal/bootstrap"
	"github.com/cuongbtq/resilient-worker/internal/config"
	"github.com/cuongbtq/resilient-worker/internal/producer"
	"github.com/cuongbtq/resilient-worker/internal/ratelimit"
	"github.com/cuongbtq/resilient-worker/internal/telemetry"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	metrics := telemetry.New()

	jobProducer := producer.New(producer.Config{
		Publisher: rabbitClient,
		Queues:    bootstrap.MainQueues(&cfg.Jobs),
		Observer:  metrics,
		Logger:    appLogger.Component("producer"),
	})

	opts := router.Options{
		Metrics:   metrics.Handler(),
		OnLimited: metrics.RateLimited,
	}

	if cfg.RateLimit.Enabled {
		limiter, redisClient, err := initRateLimiter(cfg, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		defer redisClient.Close()
		opts.Limiter = limiter
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, jobProducer, opts)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter sets the gin mode for the environment and builds the router
func initRouter(environment string, logger *slog.Logger, submitter handler.Submitter, opts router.Options) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Submitter: submitter,
	}, opts)
}

// initRateLimiter connects to redis and builds the per-client token bucket
func initRateLimiter(cfg *config.Config, logger *slog.Logger) (*ratelimit.TokenBucket, *redis.Client, error) {
	client, err := bootstrap.InitRedis(context.Background(), &cfg.Redis, logger)
	if err != nil {
		return nil, nil, err
	}

	bucket, err := ratelimit.NewTokenBucket(client,
		cfg.RateLimit.KeyPrefix,
		cfg.RateLimit.Capacity,
		cfg.RateLimit.RefillPerSecond,
		cfg.RateLimit.TTL,
	)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	logger.Info("API rate limit enabled",
		slog.Int("capacity", cfg.RateLimit.Capacity),
		slog.Float64("refill_per_second", cfg.RateLimit.RefillPerSecond),
	)
	return bucket, client, nil
}
