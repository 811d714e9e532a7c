// Package producer publishes jobs to the main queue of their class.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes a message and returns once the broker confirmed it
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Observer is notified of every accepted submission
type Observer interface {
	JobSubmitted(class domain.JobClass)
}

// Receipt identifies a submitted job. It says nothing about the outcome.
type Receipt struct {
	JobID       string          `json:"job_id"`
	Class       domain.JobClass `json:"class"`
	Queue       string          `json:"queue"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Config holds producer configuration
type Config struct {
	Publisher Publisher
	// Queues maps every class to its main queue
	Queues   map[domain.JobClass]string
	Observer Observer
	Logger   *slog.Logger
}

// Producer submits jobs. It never waits for processing.
type Producer struct {
	publisher Publisher
	queues    map[domain.JobClass]string
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func New(cfg Config) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		publisher: cfg.Publisher,
		queues:    cfg.Queues,
		observer:  cfg.Observer,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Submit publishes job durably to its class's main queue and returns after
// the broker confirmed the publish
func (p *Producer) Submit(ctx context.Context, job domain.Job) (Receipt, error) {
	queue, ok := p.queues[job.Class()]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: no queue for %q", domain.ErrUnknownJobClass, job.Class())
	}

	id := p.newID()
	env, err := domain.NewEnvelope(id, job, p.now())
	if err != nil {
		return Receipt{}, err
	}

	body, err := env.Marshal()
	if err != nil {
		return Receipt{}, err
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{domain.HeaderAttemptCount: int64(0)},
		ContentType:  domain.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    env.SubmittedAt,
		Type:         string(env.Class),
		Body:         body,
	}

	if err := p.publisher.Publish(ctx, topology.DefaultExchange, queue, msg); err != nil {
		p.logger.Error("Failed to submit job",
			slog.String("job_id", id),
			slog.String("class", string(env.Class)),
			slog.Any("error", err),
		)
		return Receipt{}, fmt.Errorf("failed to submit %s job: %w", env.Class, err)
	}

	if p.observer != nil {
		p.observer.JobSubmitted(env.Class)
	}

	p.logger.Info("Job submitted",
		slog.String("job_id", id),
		slog.String("class", string(env.Class)),
		slog.String("key", job.Key()),
		slog.String("queue", queue),
	)

	return Receipt{
		JobID:       id,
		Class:       env.Class,
		Queue:       queue,
		SubmittedAt: env.SubmittedAt,
	}, nil
}
