package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerChannel is the subset of *amqp.Channel a worker consumes with
type ConsumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Channel       ConsumerChannel
	Dispatcher    *Dispatcher
	WorkerID      string
	Concurrency   int
	PrefetchCount int
}

// Worker consumes the main queue of one job class with a bounded pool of
// goroutines, each taking deliveries through the dispatcher.
type Worker struct {
	logger        *slog.Logger
	channel       ConsumerChannel
	dispatcher    *Dispatcher
	workerID      string
	queueName     string
	concurrency   int
	prefetchCount int
	jobsChan      chan *Delivery
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Channel == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("worker %s: channel and dispatcher are required", cfg.WorkerID)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch < concurrency {
		prefetch = concurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		logger: logger.With(
			slog.String("worker_id", cfg.WorkerID),
			slog.String("class", string(cfg.Dispatcher.Class())),
		),
		channel:       cfg.Channel,
		dispatcher:    cfg.Dispatcher,
		workerID:      cfg.WorkerID,
		queueName:     cfg.Dispatcher.Queue(),
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobsChan:      make(chan *Delivery),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start consumes until ctx is canceled or the broker closes the delivery
// channel. It blocks; in-flight deliveries are finished or requeued before it
// returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.String("queue", w.queueName),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	err = w.startMessageDispatcher(ctx, deliveries)

	w.Stop()
	return err
}

// Stop gracefully stops the worker pool, waits for in-flight jobs and closes
// the consumer channel
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()

		// unacknowledged prefetched deliveries go back to the queue
		if err := w.channel.Close(); err != nil {
			w.logger.Warn("Failed to close consumer channel", slog.Any("error", err))
		}
		w.logger.Info("Worker stopped")
	})
}
