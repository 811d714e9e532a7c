// Package bootstrap holds the wiring shared by the api and worker services.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/config"
	"github.com/cuongbtq/resilient-worker/internal/retry"
	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/cuongbtq/resilient-worker/shared/logger"
	"github.com/cuongbtq/resilient-worker/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/resilient-worker/shared/redis"
	"github.com/redis/go-redis/v9"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// InitRedis initializes the Redis client
func InitRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return sharedredis.NewClient(ctx, &sharedredis.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}

// Pipeline is the resolved configuration of one job class
type Pipeline struct {
	Class    domain.JobClass
	Policy   retry.Policy
	Topology topology.ClassSpec
	Job      config.JobConfig
}

// BuildPipelines resolves the retry policy and broker layout of every class
func BuildPipelines(jobs *config.JobsConfig, classes []domain.JobClass) ([]Pipeline, error) {
	byClass := jobs.ByClass()

	pipelines := make([]Pipeline, 0, len(classes))
	for _, class := range classes {
		job, ok := byClass[class]
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobClass, class)
		}

		policy, err := retry.New(job.Retry.Settings())
		if err != nil {
			return nil, fmt.Errorf("retry policy for %s: %w", class, err)
		}

		pipelines = append(pipelines, Pipeline{
			Class:    class,
			Policy:   policy,
			Topology: topology.NewClassSpec(class, job.Queues.Names(), policy),
			Job:      job,
		})
	}

	return pipelines, nil
}

// TopologySpec collects the layout of every pipeline
func TopologySpec(pipelines []Pipeline) topology.Spec {
	spec := topology.Spec{Classes: make([]topology.ClassSpec, 0, len(pipelines))}
	for _, p := range pipelines {
		spec.Classes = append(spec.Classes, p.Topology)
	}
	return spec
}

// MainQueues maps every class to the queue its jobs are submitted to
func MainQueues(jobs *config.JobsConfig) map[domain.JobClass]string {
	queues := make(map[domain.JobClass]string, 3)
	for class, job := range jobs.ByClass() {
		queues[class] = job.Queues.Main
	}
	return queues
}
