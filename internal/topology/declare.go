package topology

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the subset of *amqp.Channel used to declare topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Manager declares topology on the broker
type Manager struct {
	declarer Declarer
	logger   *slog.Logger
}

func NewManager(declarer Declarer, logger *slog.Logger) *Manager {
	return &Manager{declarer: declarer, logger: logger}
}

// DeclareTopology declares every exchange, then every queue, then every
// binding. Re-declaring with identical arguments is a no-op on the broker, so
// this is safe on every startup and from concurrent processes. Declaring with
// different arguments fails with a channel-level PRECONDITION_FAILED.
func (m *Manager) DeclareTopology(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	t := Build(spec)

	for _, exchange := range t.Exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.declarer.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
	}

	for _, queue := range t.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := m.declarer.QueueDeclare(
			queue.Name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
		}
	}

	for _, binding := range t.Bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.declarer.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w", binding.Queue, binding.Exchange, err)
		}
	}

	m.logger.Info("Queue topology declared",
		slog.Int("exchanges", len(t.Exchanges)),
		slog.Int("queues", len(t.Queues)),
		slog.Int("bindings", len(t.Bindings)),
	)

	return nil
}
