package worker

import (
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptCount returns how many attempts a delivery has already consumed: the
// explicit x-attempt-count header plus the broker's count of rejections from
// the main queue.
func AttemptCount(headers amqp.Table, mainQueue string) int {
	count := headerInt(headers[domain.HeaderAttemptCount])

	deaths, ok := headers[domain.HeaderDeath].([]interface{})
	if !ok {
		return count
	}
	for _, d := range deaths {
		death, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		queue, _ := death["queue"].(string)
		reason, _ := death["reason"].(string)
		if queue == mainQueue && reason == "rejected" {
			count += headerInt(death["count"])
		}
	}
	return count
}

func headerInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// retryHeaders copies headers for an explicit republish. Broker death records
// are dropped since the attempt count now carries them.
func retryHeaders(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		if isBrokerHeader(k) {
			continue
		}
		out[k] = v
	}
	out[domain.HeaderAttemptCount] = int64(next)
	return out
}

func deadLetterHeaders(headers amqp.Table, next int, lastErr error, originalQueue string, now time.Time) amqp.Table {
	out := retryHeaders(headers, next)
	if lastErr != nil {
		out[domain.HeaderLastError] = lastErr.Error()
	}
	out[domain.HeaderOriginalQueue] = originalQueue
	out[domain.HeaderExhaustedAt] = now.UTC().Format(time.RFC3339Nano)
	return out
}

func isBrokerHeader(k string) bool {
	return k == domain.HeaderDeath ||
		k == domain.HeaderDelay ||
		strings.HasPrefix(k, "x-first-death-") ||
		strings.HasPrefix(k, "x-last-death-")
}
