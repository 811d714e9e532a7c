package worker

import (
	"errors"
	"testing"

	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivery_SingleUse(t *testing.T) {
	tests := []struct {
		name   string
		first  func(d *Delivery) error
		second func(d *Delivery) error
	}{
		{"ack then ack", (*Delivery).Acknowledge, (*Delivery).Acknowledge},
		{"ack then reject", (*Delivery).Acknowledge, func(d *Delivery) error { return d.Reject(true) }},
		{"reject then ack", func(d *Delivery) error { return d.Reject(false) }, (*Delivery).Acknowledge},
		{"reject then reject", func(d *Delivery) error { return d.Reject(false) }, func(d *Delivery) error { return d.Reject(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := newAcknowledger()
			d := NewDelivery(rawDelivery(ack, 5, nil, nil), "email_queue")

			require.NoError(t, tt.first(d))
			assert.True(t, d.Settled())
			assert.ErrorIs(t, tt.second(d), domain.ErrDeliveryAlreadySettled)

			assert.Len(t, ack.Calls, 1)
		})
	}
}

func TestDelivery_BrokerError(t *testing.T) {
	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(1), false).Return(errors.New("channel closed"))

	d := NewDelivery(rawDelivery(ack, 1, nil, nil), "email_queue")

	err := d.Acknowledge()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")

	// a failed settlement still consumes the handle
	assert.ErrorIs(t, d.Reject(true), domain.ErrDeliveryAlreadySettled)
}

func TestAttemptCount(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		expected int
	}{
		{"first delivery", nil, 0},
		{"explicit count int64", amqp.Table{domain.HeaderAttemptCount: int64(3)}, 3},
		{"explicit count int32", amqp.Table{domain.HeaderAttemptCount: int32(2)}, 2},
		{"explicit count string", amqp.Table{domain.HeaderAttemptCount: "4"}, 4},
		{"explicit count garbage", amqp.Table{domain.HeaderAttemptCount: "four"}, 0},
		{"main queue rejections", deathHeaders("email_queue", 6), 6},
		{
			name: "explicit count plus rejections",
			headers: amqp.Table{
				domain.HeaderAttemptCount: int64(2),
				domain.HeaderDeath: []interface{}{
					amqp.Table{"count": int64(3), "queue": "email_queue", "reason": "rejected"},
				},
			},
			expected: 5,
		},
		{
			name: "other queues and reasons ignored",
			headers: amqp.Table{
				domain.HeaderDeath: []interface{}{
					amqp.Table{"count": int64(2), "queue": "email_queue", "reason": "rejected"},
					amqp.Table{"count": int64(2), "queue": "email_queue_wait", "reason": "expired"},
					amqp.Table{"count": int64(9), "queue": "other_queue", "reason": "rejected"},
					"not a table",
				},
			},
			expected: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AttemptCount(tt.headers, "email_queue"))
		})
	}
}

func TestRetryHeaders_DropsBrokerRecords(t *testing.T) {
	in := amqp.Table{
		domain.HeaderAttemptCount: int64(1),
		domain.HeaderDeath:        []interface{}{},
		domain.HeaderDelay:        int64(2000),
		"x-first-death-queue":     "email_queue",
		"x-last-death-reason":     "expired",
		"x-correlation-id":        "c-1",
	}

	out := retryHeaders(in, 2)

	assert.Equal(t, amqp.Table{
		domain.HeaderAttemptCount: int64(2),
		"x-correlation-id":        "c-1",
	}, out)
	assert.Equal(t, int64(1), in[domain.HeaderAttemptCount], "input must not be modified")
}
