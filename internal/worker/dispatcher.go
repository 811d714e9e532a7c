package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/retry"
	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the terminal decision taken for one delivery
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeParked       Outcome = "parked"
)

// Handler performs the downstream operation of a job class. attempt is
// 1-based.
type Handler interface {
	Handle(ctx context.Context, job domain.Job, attempt int) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job domain.Job, attempt int) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job, attempt int) error {
	return f(ctx, job, attempt)
}

// Publisher publishes a message and returns once the broker confirmed it
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Guard runs the handler under failure isolation; *breaker.Breaker implements it
type Guard interface {
	Call(ctx context.Context, fn func(ctx context.Context) error) error
}

// Observer receives dispatch measurements
type Observer interface {
	HandlerDuration(class domain.JobClass, d time.Duration)
	JobOutcome(class domain.JobClass, outcome string)
}

type nopObserver struct{}

func (nopObserver) HandlerDuration(domain.JobClass, time.Duration) {}
func (nopObserver) JobOutcome(domain.JobClass, string)             {}

// DispatcherConfig holds the collaborators of one job class
type DispatcherConfig struct {
	Topology  topology.ClassSpec
	Policy    retry.Policy
	Guard     Guard
	Handler   Handler
	Publisher Publisher
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher takes every delivery of one class to exactly one terminal
// decision: acknowledge, retry later, dead-letter or discard.
type Dispatcher struct {
	class     domain.JobClass
	queues    topology.ClassSpec
	policy    retry.Policy
	guard     Guard
	handler   Handler
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher for cfg.Topology.Class
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Policy == nil || cfg.Guard == nil || cfg.Handler == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("dispatcher for %s: policy, guard, handler and publisher are required", cfg.Topology.Class)
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}
	if cfg.Policy.Mechanism() == retry.MechanismDelayedExchange && cfg.Topology.DelayExchange == "" {
		return nil, fmt.Errorf("dispatcher for %s: delayed retries need a delay exchange", cfg.Topology.Class)
	}

	d := &Dispatcher{
		class:     cfg.Topology.Class,
		queues:    cfg.Topology,
		policy:    cfg.Policy,
		guard:     cfg.Guard,
		handler:   cfg.Handler,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.logger = d.logger.With(slog.String("class", string(d.class)))

	return d, nil
}

// Class returns the job class handled by the dispatcher
func (p *Dispatcher) Class() domain.JobClass { return p.class }

// Queue returns the main queue the dispatcher consumes
func (p *Dispatcher) Queue() string { return p.queues.MainQueue }

// Dispatch processes one delivery and settles it
func (p *Dispatcher) Dispatch(ctx context.Context, d *Delivery) Outcome {
	outcome := p.dispatch(ctx, d)
	p.observer.JobOutcome(p.class, string(outcome))
	return outcome
}

func (p *Dispatcher) dispatch(ctx context.Context, d *Delivery) Outcome {
	attempt := d.AttemptCount()

	env, job, err := p.decode(d)
	if err != nil {
		return p.deadLetterMalformed(ctx, d, err)
	}

	logger := p.logger.With(
		slog.String("job_id", env.ID),
		slog.String("key", job.Key()),
		slog.Int("attempt", attempt+1),
	)

	start := p.now()
	err = p.guard.Call(ctx, func(callCtx context.Context) error {
		return p.handler.Handle(callCtx, job, attempt+1)
	})
	p.observer.HandlerDuration(p.class, p.now().Sub(start))

	if err == nil {
		p.settle(logger, d.Acknowledge())
		logger.Info("Job completed successfully")
		return OutcomeAcknowledged
	}

	if ctx.Err() != nil {
		logger.Warn("Job interrupted by shutdown, requeueing", slog.Any("error", err))
		p.settle(logger, d.Reject(true))
		return OutcomeRequeued
	}

	failure := domain.NewTransientError(env.ID, p.class, attempt+1, err)
	next := attempt + 1

	if next >= p.policy.MaxAttempts() {
		return p.exhaust(ctx, logger, d, env, next, failure)
	}
	return p.scheduleRetry(ctx, logger, d, env, attempt, next, failure)
}

func (p *Dispatcher) decode(d *Delivery) (*domain.Envelope, domain.Job, error) {
	env, err := domain.DecodeEnvelope(d.Body())
	if err != nil {
		return nil, nil, err
	}
	if env.Class != p.class {
		return nil, nil, fmt.Errorf("%w: %s job on %s queue", domain.ErrUnknownJobClass, env.Class, p.class)
	}
	job, err := env.Job()
	if err != nil {
		return nil, nil, err
	}
	return env, job, nil
}

func (p *Dispatcher) scheduleRetry(ctx context.Context, logger *slog.Logger, d *Delivery, env *domain.Envelope, attempt, next int, failure error) Outcome {
	delay := p.policy.Delay(attempt)
	logger = logger.With(
		slog.Int("next_attempt", next+1),
		slog.Int("max_attempts", p.policy.MaxAttempts()),
		slog.Duration("delay", delay),
		slog.String("mechanism", string(p.policy.Mechanism())),
	)

	switch p.policy.Mechanism() {
	case retry.MechanismWaitQueueTTL:
		// the main queue's dead-letter route carries it to the wait queue
		logger.Warn("Job failed, retrying through wait queue", slog.Any("error", failure))
		p.settle(logger, d.Reject(false))
		return OutcomeRetried

	case retry.MechanismPerMessageExpiration:
		msg := p.republish(d, env, retryHeaders(d.Headers(), next))
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		if err := p.publisher.Publish(ctx, topology.DefaultExchange, p.queues.WaitQueue, msg); err != nil {
			return p.requeueAfterPublishFailure(logger, d, err)
		}

	case retry.MechanismDelayedExchange:
		headers := retryHeaders(d.Headers(), next)
		headers[domain.HeaderDelay] = delay.Milliseconds()
		msg := p.republish(d, env, headers)
		if err := p.publisher.Publish(ctx, p.queues.DelayExchange, p.queues.MainQueue, msg); err != nil {
			return p.requeueAfterPublishFailure(logger, d, err)
		}

	default:
		logger.Error("Unknown retry mechanism, requeueing", slog.Any("error", failure))
		p.settle(logger, d.Reject(true))
		return OutcomeRequeued
	}

	logger.Warn("Job failed, retry scheduled", slog.Any("error", failure))
	p.settle(logger, d.Acknowledge())
	return OutcomeRetried
}

func (p *Dispatcher) exhaust(ctx context.Context, logger *slog.Logger, d *Delivery, env *domain.Envelope, next int, failure error) Outcome {
	exhausted := &domain.ExhaustedRetriesError{
		JobID:       env.ID,
		Class:       p.class,
		Attempts:    next,
		MaxAttempts: p.policy.MaxAttempts(),
		LastErr:     failure,
	}

	if p.policy.OnExhaustion() == retry.ExhaustionDiscard {
		logger.Error("Job discarded after exhausting retries", slog.Any("error", exhausted))
		p.settle(logger, d.Acknowledge())
		return OutcomeDiscarded
	}

	msg := p.republish(d, env, deadLetterHeaders(d.Headers(), next, failure, p.queues.MainQueue, p.now()))
	if err := p.publisher.Publish(ctx, topology.DefaultExchange, p.queues.DeadLetterQueue, msg); err != nil {
		return p.requeueAfterPublishFailure(logger, d, err)
	}

	logger.Error("Job dead-lettered after exhausting retries",
		slog.String("dead_letter_queue", p.queues.DeadLetterQueue),
		slog.Any("error", exhausted),
	)
	p.settle(logger, d.Acknowledge())
	return OutcomeDeadLettered
}

// deadLetterMalformed moves a delivery that can never succeed straight to the
// dead-letter queue
func (p *Dispatcher) deadLetterMalformed(ctx context.Context, d *Delivery, cause error) Outcome {
	logger := p.logger.With(
		slog.String("message_id", d.MessageID()),
		slog.Uint64("delivery_tag", d.Tag()),
	)

	msg := amqp.Publishing{
		Headers:      deadLetterHeaders(d.Headers(), d.AttemptCount(), cause, p.queues.MainQueue, p.now()),
		ContentType:  d.raw.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageID(),
		Timestamp:    p.now(),
		Body:         d.Body(),
	}
	if err := p.publisher.Publish(ctx, topology.DefaultExchange, p.queues.DeadLetterQueue, msg); err != nil {
		// rejected without requeue, the message follows the main queue's
		// dead-letter route to the wait queue
		logger.Error("Failed to dead-letter malformed message, parking it in the wait queue",
			slog.String("wait_queue", p.queues.WaitQueue),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		p.settle(logger, d.Reject(false))
		return OutcomeParked
	}

	logger.Error("Malformed message dead-lettered", slog.Any("error", cause))
	p.settle(logger, d.Acknowledge())
	return OutcomeMalformed
}

func (p *Dispatcher) requeueAfterPublishFailure(logger *slog.Logger, d *Delivery, err error) Outcome {
	logger.Error("Failed to republish job, requeueing delivery", slog.Any("error", err))
	p.settle(logger, d.Reject(true))
	return OutcomeRequeued
}

// republish builds a persistent copy of the delivery; the body is unchanged
func (p *Dispatcher) republish(d *Delivery, env *domain.Envelope, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  domain.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    p.now(),
		Body:         d.Body(),
	}
}

func (p *Dispatcher) settle(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrDeliveryAlreadySettled) {
		logger.Error("Delivery settled twice", slog.Any("error", err))
		return
	}
	logger.Error("Failed to settle delivery", slog.Any("error", err))
}
