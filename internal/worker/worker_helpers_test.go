package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/retry"
	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// newAcknowledger accepts any single settlement
func newAcknowledger() *mockAcknowledger {
	ack := &mockAcknowledger{}
	ack.On("Ack", mock.Anything, false).Return(nil).Maybe()
	ack.On("Reject", mock.Anything, mock.Anything).Return(nil).Maybe()
	return ack
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (p *fakePublisher) last() publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// passGuard runs the handler without failure isolation
type passGuard struct{}

func (passGuard) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) HandlerDuration(domain.JobClass, time.Duration) {}

func (o *countingObserver) JobOutcome(_ domain.JobClass, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	emailQueues = topology.Names{
		MainQueue:       "email_queue",
		WaitQueue:       "email_queue_wait",
		DeadLetterQueue: "email_queue_dlq",
	}
	marketingQueues = topology.Names{
		MainQueue:       "marketing_queue",
		WaitQueue:       "marketing_queue_wait",
		DeadLetterQueue: "marketing_queue_dlq",
	}
	reportQueues = topology.Names{
		MainQueue:       "reporting_queue",
		WaitQueue:       "reporting_queue_wait",
		DeadLetterQueue: "reporting_queue_dlq",
		DelayExchange:   "reporting_exchange",
	}
)

func newTestDispatcher(t *testing.T, class domain.JobClass, names topology.Names, settings retry.Settings, handler Handler, publisher Publisher, guard Guard) *Dispatcher {
	t.Helper()

	policy, err := retry.New(settings)
	require.NoError(t, err)

	if guard == nil {
		guard = passGuard{}
	}

	d, err := NewDispatcher(DispatcherConfig{
		Topology:  topology.NewClassSpec(class, names, policy),
		Policy:    policy,
		Guard:     guard,
		Handler:   handler,
		Publisher: publisher,
		Logger:    testLogger(),
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return d
}

func envelopeBody(t *testing.T, id string, job domain.Job) []byte {
	t.Helper()
	env, err := domain.NewEnvelope(id, job, time.Now())
	require.NoError(t, err)
	body, err := env.Marshal()
	require.NoError(t, err)
	return body
}

func rawDelivery(ack amqp.Acknowledger, tag uint64, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		ContentType:  domain.ContentTypeJSON,
		MessageId:    "msg-1",
		Headers:      headers,
		Body:         body,
	}
}

// deathHeaders is what the broker attaches after n rejections from queue
func deathHeaders(queue string, n int) amqp.Table {
	return amqp.Table{
		domain.HeaderDeath: []interface{}{
			amqp.Table{
				"count":  int64(n),
				"queue":  queue,
				"reason": "rejected",
			},
		},
	}
}

func topologySpec(class domain.JobClass, policy retry.Policy) topology.ClassSpec {
	names := map[domain.JobClass]topology.Names{
		domain.ClassEmail:          emailQueues,
		domain.ClassMarketingEmail: marketingQueues,
		domain.ClassReport:         reportQueues,
	}[class]
	return topology.NewClassSpec(class, names, policy)
}
