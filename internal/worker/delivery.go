package worker

import (
	"fmt"
	"sync/atomic"

	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is a message as received from a main queue together with a
// single-use settlement handle. Exactly one of Acknowledge or Reject may
// succeed; any further call returns domain.ErrDeliveryAlreadySettled.
type Delivery struct {
	raw          amqp.Delivery
	queue        string
	attemptCount int
	settled      atomic.Bool
}

// NewDelivery wraps a broker delivery consumed from queue
func NewDelivery(raw amqp.Delivery, queue string) *Delivery {
	return &Delivery{
		raw:          raw,
		queue:        queue,
		attemptCount: AttemptCount(raw.Headers, queue),
	}
}

// AttemptCount is the number of attempts already consumed, 0 on first delivery
func (d *Delivery) AttemptCount() int { return d.attemptCount }

func (d *Delivery) Body() []byte        { return d.raw.Body }
func (d *Delivery) Headers() amqp.Table { return d.raw.Headers }
func (d *Delivery) MessageID() string   { return d.raw.MessageId }
func (d *Delivery) Tag() uint64         { return d.raw.DeliveryTag }
func (d *Delivery) Queue() string       { return d.queue }

// Acknowledge settles the delivery as done
func (d *Delivery) Acknowledge() error {
	if !d.settled.CompareAndSwap(false, true) {
		return domain.ErrDeliveryAlreadySettled
	}
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.raw.DeliveryTag, err)
	}
	return nil
}

// Reject settles the delivery as not done. With requeue the broker redelivers
// it unchanged; without, the queue's dead-letter route takes it.
func (d *Delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return domain.ErrDeliveryAlreadySettled
	}
	if err := d.raw.Reject(requeue); err != nil {
		return fmt.Errorf("failed to reject delivery %d: %w", d.raw.DeliveryTag, err)
	}
	return nil
}

// Settled reports whether the delivery has been acknowledged or rejected
func (d *Delivery) Settled() bool { return d.settled.Load() }
