package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/breaker"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.JobSubmitted(domain.ClassEmail)
	m.JobSubmitted(domain.ClassEmail)
	m.JobOutcome(domain.ClassReport, "dead_lettered")
	m.HandlerDuration(domain.ClassReport, 500*time.Millisecond)
	m.BreakerStateChanged("email", breaker.StateClosed, breaker.StateOpen)
	m.WaitQueueDepth("email_queue_wait", 12)
	m.WaitQueueAlert("email_queue_wait")
	m.RateLimited()

	out := scrape(t, m)

	assert.Contains(t, out, `jobs_submitted_total{class="email"} 2`)
	assert.Contains(t, out, `jobs_processed_total{class="report",outcome="dead_lettered"} 1`)
	assert.Contains(t, out, `job_handler_duration_seconds_count{class="report"} 1`)
	assert.Contains(t, out, `circuit_breaker_state{class="email"} 1`)
	assert.Contains(t, out, `wait_queue_depth{queue="email_queue_wait"} 12`)
	assert.Contains(t, out, `wait_queue_alerts_total{queue="email_queue_wait"} 1`)
	assert.Contains(t, out, `api_rate_limit_rejects_total 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	first := New()
	second := New()

	first.JobSubmitted(domain.ClassReport)

	assert.Contains(t, scrape(t, first), `jobs_submitted_total{class="report"} 1`)
	assert.NotContains(t, scrape(t, second), `jobs_submitted_total{class="report"}`)
}
