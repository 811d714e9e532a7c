// Package topology models the per-class queue layout of the retry engine and
// declares it on the broker.
//
// Every class gets a main queue, a wait queue and a dead-letter queue. The
// main queue dead-letters into the wait queue and the wait queue dead-letters
// back into the main queue, which closes the retry loop. Classes that retry
// through the delayed-message plugin also get an x-delayed-message exchange
// bound to their main queue.
package topology

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/retry"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker argument names
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
	ArgDelayedType          = "x-delayed-type"

	ExchangeTypeDelayed = "x-delayed-message"

	// DefaultExchange is the nameless direct exchange every queue is bound to
	DefaultExchange = ""
)

var ErrInvalidTopology = errors.New("invalid queue topology")

// ClassSpec is the queue layout of one job class
type ClassSpec struct {
	Class           domain.JobClass
	MainQueue       string
	WaitQueue       string
	DeadLetterQueue string
	// WaitQueueTTL is set only for fixed-delay classes
	WaitQueueTTL time.Duration
	// DelayExchange is set only for classes retrying through the delayed-message exchange
	DelayExchange string
}

// Names are the broker object names of one class
type Names struct {
	MainQueue       string
	WaitQueue       string
	DeadLetterQueue string
	DelayExchange   string
}

// NewClassSpec derives the layout a class needs from its retry policy
func NewClassSpec(class domain.JobClass, names Names, policy retry.Policy) ClassSpec {
	spec := ClassSpec{
		Class:           class,
		MainQueue:       names.MainQueue,
		WaitQueue:       names.WaitQueue,
		DeadLetterQueue: names.DeadLetterQueue,
	}

	switch policy.Mechanism() {
	case retry.MechanismWaitQueueTTL:
		spec.WaitQueueTTL = policy.Delay(0)
	case retry.MechanismDelayedExchange:
		spec.DelayExchange = names.DelayExchange
	}

	return spec
}

// Validate rejects layouts that would break the retry loop
func (s ClassSpec) Validate() error {
	if !s.Class.Valid() {
		return fmt.Errorf("%w: unknown class %q", ErrInvalidTopology, s.Class)
	}
	if s.MainQueue == "" || s.WaitQueue == "" || s.DeadLetterQueue == "" {
		return fmt.Errorf("%w: %s: main, wait and dead-letter queue names are required", ErrInvalidTopology, s.Class)
	}
	if s.WaitQueue == s.MainQueue {
		return fmt.Errorf("%w: %s: wait queue must differ from main queue %q", ErrInvalidTopology, s.Class, s.MainQueue)
	}
	if s.DeadLetterQueue == s.MainQueue || s.DeadLetterQueue == s.WaitQueue {
		return fmt.Errorf("%w: %s: dead-letter queue %q must differ from main and wait queues", ErrInvalidTopology, s.Class, s.DeadLetterQueue)
	}
	if s.WaitQueueTTL < 0 {
		return fmt.Errorf("%w: %s: wait queue ttl must not be negative", ErrInvalidTopology, s.Class)
	}
	if s.WaitQueueTTL > 0 && s.DelayExchange != "" {
		return fmt.Errorf("%w: %s: a class uses either a wait queue ttl or a delay exchange", ErrInvalidTopology, s.Class)
	}
	return nil
}

// Spec is the layout of every class a process handles
type Spec struct {
	Classes []ClassSpec
}

// Validate checks each class and that no two classes share a broker object
func (s Spec) Validate() error {
	if len(s.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrInvalidTopology)
	}

	owners := make(map[string]domain.JobClass)
	claim := func(name string, class domain.JobClass) error {
		if owner, ok := owners[name]; ok {
			return fmt.Errorf("%w: %q is used by both %s and %s", ErrInvalidTopology, name, owner, class)
		}
		owners[name] = class
		return nil
	}

	for _, c := range s.Classes {
		if err := c.Validate(); err != nil {
			return err
		}
		for _, name := range []string{c.MainQueue, c.WaitQueue, c.DeadLetterQueue, c.DelayExchange} {
			if name == "" {
				continue
			}
			if err := claim(name, c.Class); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Arguments amqp.Table
}

// QueueDeclaration defines a durable queue to be declared
type QueueDeclaration struct {
	Name      string
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the flat list of broker objects, in declaration order
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Build expands a spec into broker declarations
func Build(spec Spec) Topology {
	var t Topology

	for _, c := range spec.Classes {
		t.Queues = append(t.Queues, QueueDeclaration{
			Name: c.MainQueue,
			Arguments: amqp.Table{
				ArgDeadLetterExchange:   DefaultExchange,
				ArgDeadLetterRoutingKey: c.WaitQueue,
			},
		})

		waitArgs := amqp.Table{
			ArgDeadLetterExchange:   DefaultExchange,
			ArgDeadLetterRoutingKey: c.MainQueue,
		}
		if c.WaitQueueTTL > 0 {
			waitArgs[ArgMessageTTL] = c.WaitQueueTTL.Milliseconds()
		}
		t.Queues = append(t.Queues, QueueDeclaration{Name: c.WaitQueue, Arguments: waitArgs})

		t.Queues = append(t.Queues, QueueDeclaration{Name: c.DeadLetterQueue})

		if c.DelayExchange != "" {
			t.Exchanges = append(t.Exchanges, ExchangeDeclaration{
				Name:      c.DelayExchange,
				Type:      ExchangeTypeDelayed,
				Arguments: amqp.Table{ArgDelayedType: amqp.ExchangeDirect},
			})
			t.Bindings = append(t.Bindings, Binding{
				Queue:      c.MainQueue,
				Exchange:   c.DelayExchange,
				RoutingKey: c.MainQueue,
			})
		}
	}

	return t
}
