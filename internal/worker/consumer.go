package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned when the broker closes a consumer's delivery channel
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// setupConsumer sets up the consumer with QoS and returns the delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch bounds unacknowledged deliveries per consumer
	if err := w.channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.channel.Consume(
		w.queueName, // queue
		w.workerID,  // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", w.queueName, err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher hands broker deliveries to the worker pool. It
// returns nil when ctx is canceled and ErrDeliveriesClosed when the broker
// closes the delivery channel.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case raw, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}

			delivery := NewDelivery(raw, w.queueName)

			select {
			case w.jobsChan <- delivery:
				w.logger.Debug("Delivery dispatched to worker pool",
					slog.String("message_id", delivery.MessageID()),
					slog.Uint64("delivery_tag", delivery.Tag()),
					slog.Int("attempt_count", delivery.AttemptCount()),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching delivery")
				if err := delivery.Reject(true); err != nil {
					w.logger.Error("Failed to requeue delivery on shutdown",
						slog.Any("error", err),
					)
				}
				return nil
			}
		}
	}
}
