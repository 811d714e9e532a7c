package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	err   error
	calls []publishCall
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	p.calls = append(p.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return p.err
}

type countingObserver map[domain.JobClass]int

func (o countingObserver) JobSubmitted(class domain.JobClass) { o[class]++ }

func newTestProducer(publisher Publisher, observer Observer) *Producer {
	p := New(Config{
		Publisher: publisher,
		Queues: map[domain.JobClass]string{
			domain.ClassEmail:          "email_queue",
			domain.ClassMarketingEmail: "marketing_queue",
			domain.ClassReport:         "reporting_queue",
		},
		Observer: observer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	p.newID = func() string { return "job-123" }
	return p
}

func TestProducer_Submit(t *testing.T) {
	tests := []struct {
		name      string
		job       domain.Job
		wantQueue string
	}{
		{"email", domain.EmailJob{Email: "a@x.com"}, "email_queue"},
		{"marketing", domain.MarketingEmailJob{Email: "b@x.com"}, "marketing_queue"},
		{"report", domain.ReportJob{ReportID: "r-1"}, "reporting_queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &fakePublisher{}
			observer := countingObserver{}
			p := newTestProducer(publisher, observer)

			receipt, err := p.Submit(context.Background(), tt.job)
			require.NoError(t, err)

			assert.Equal(t, "job-123", receipt.JobID)
			assert.Equal(t, tt.job.Class(), receipt.Class)
			assert.Equal(t, tt.wantQueue, receipt.Queue)
			assert.Equal(t, 1, observer[tt.job.Class()])

			require.Len(t, publisher.calls, 1)
			call := publisher.calls[0]
			assert.Equal(t, "", call.exchange)
			assert.Equal(t, tt.wantQueue, call.key)
			assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
			assert.Equal(t, "job-123", call.msg.MessageId)
			assert.Equal(t, int64(0), call.msg.Headers[domain.HeaderAttemptCount])

			env, err := domain.DecodeEnvelope(call.msg.Body)
			require.NoError(t, err)
			job, err := env.Job()
			require.NoError(t, err)
			assert.Equal(t, tt.job, job)
		})
	}
}

func TestProducer_SubmitErrors(t *testing.T) {
	t.Run("invalid job", func(t *testing.T) {
		publisher := &fakePublisher{}
		p := newTestProducer(publisher, nil)

		_, err := p.Submit(context.Background(), domain.EmailJob{Email: "nope"})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		assert.Empty(t, publisher.calls)
	})

	t.Run("class without queue", func(t *testing.T) {
		p := New(Config{Publisher: &fakePublisher{}, Queues: map[domain.JobClass]string{}})

		_, err := p.Submit(context.Background(), domain.ReportJob{ReportID: "r"})
		assert.ErrorIs(t, err, domain.ErrUnknownJobClass)
	})

	t.Run("broker refuses", func(t *testing.T) {
		brokerErr := errors.New("publish not confirmed")
		observer := countingObserver{}
		p := newTestProducer(&fakePublisher{err: brokerErr}, observer)

		_, err := p.Submit(context.Background(), domain.EmailJob{Email: "a@x.com"})
		assert.ErrorIs(t, err, brokerErr)
		assert.Empty(t, observer)
	})
}
