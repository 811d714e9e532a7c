package config

import (
	"time"

	"github.com/cuongbtq/resilient-worker/internal/retry"
)

// DefaultJobs returns the pipelines of the three job classes with the
// values the system shipped with.
func DefaultJobs() JobsConfig {
	return JobsConfig{
		Email: JobConfig{
			Queues: QueuesConfig{
				Main:       "email_queue",
				Wait:       "email_queue_wait",
				DeadLetter: "email_queue_dlq",
			},
			Retry: RetryConfig{
				Strategy:     retry.StrategyFixed,
				Delay:        5 * time.Second,
				MaxAttempts:  15,
				OnExhaustion: string(retry.ExhaustionDeadLetter),
			},
			Breaker: CircuitConfig{
				ErrorThresholdPercentage: 20,
				Timeout:                  3 * time.Second,
				ResetTimeout:             10 * time.Second,
			},
			Simulation: SimulationConfig{
				Latency:            100 * time.Millisecond,
				SucceedFromAttempt: 3,
			},
		},
		Marketing: JobConfig{
			Queues: QueuesConfig{
				Main:       "marketing_queue",
				Wait:       "marketing_queue_wait",
				DeadLetter: "marketing_queue_dlq",
			},
			Retry: RetryConfig{
				Strategy:     retry.StrategyRandom,
				Min:          time.Second,
				Max:          10 * time.Second,
				MaxAttempts:  5,
				OnExhaustion: string(retry.ExhaustionDiscard),
			},
			Breaker: CircuitConfig{
				ErrorThresholdPercentage: 50,
				Timeout:                  10 * time.Second,
				ResetTimeout:             30 * time.Second,
			},
			Simulation: SimulationConfig{
				FailureRate: 0.7,
			},
		},
		Report: JobConfig{
			Queues: QueuesConfig{
				Main:          "reporting_queue",
				Wait:          "reporting_queue_wait",
				DeadLetter:    "reporting_queue_dlq",
				DelayExchange: "reporting_exchange",
			},
			Retry: RetryConfig{
				Strategy:     retry.StrategyExponential,
				Base:         time.Second,
				Cap:          time.Minute,
				MaxAttempts:  5,
				OnExhaustion: string(retry.ExhaustionDeadLetter),
			},
			Breaker: CircuitConfig{
				ErrorThresholdPercentage: 50,
				Timeout:                  10 * time.Second,
				ResetTimeout:             30 * time.Second,
			},
			Simulation: SimulationConfig{
				Latency:     500 * time.Millisecond,
				FailureRate: 0.8,
			},
		},
	}
}

// ApplyDefaults fills every unset field
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	c.applyRabbitMQDefaults()

	setString(&c.Redis.Addr, "localhost:6379")
	setDuration(&c.Redis.DialTimeout, 5*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setString(&c.Breaker.Store, BreakerStoreMemory)
	setString(&c.Breaker.KeyPrefix, "breaker")

	setDuration(&c.Monitor.Interval, 5*time.Second)
	if c.Monitor.Threshold == 0 {
		c.Monitor.Threshold = 10
	}

	setString(&c.Metrics.Addr, ":9090")

	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 20
	}
	if c.RateLimit.RefillPerSecond == 0 {
		c.RateLimit.RefillPerSecond = 10
	}
	setDuration(&c.RateLimit.TTL, time.Minute)
	setString(&c.RateLimit.KeyPrefix, "ratelimit")

	defaults := DefaultJobs()
	mergeJob(&c.Jobs.Email, defaults.Email)
	mergeJob(&c.Jobs.Marketing, defaults.Marketing)
	mergeJob(&c.Jobs.Report, defaults.Report)

	if len(c.Monitor.Queues) == 0 {
		c.Monitor.Queues = []string{c.Jobs.Email.Queues.Wait, c.Jobs.Marketing.Queues.Wait, c.Jobs.Report.Queues.Wait}
	}
}

func (c *Config) applyRabbitMQDefaults() {
	r := &c.RabbitMQ

	setString(&r.Host, "localhost")
	if r.Port == 0 {
		r.Port = 5672
	}
	setString(&r.User, "guest")
	setString(&r.Password, "guest")
	setString(&r.VHost, "/")

	if r.Connection.RetryAttempts == 0 {
		r.Connection.RetryAttempts = 5
	}
	setDuration(&r.Connection.RetryInterval, 2*time.Second)
	setDuration(&r.Connection.Heartbeat, 10*time.Second)
	setDuration(&r.Connection.ConnectionTimeout, 30*time.Second)

	if r.Publish.RetryAttempts == 0 {
		r.Publish.RetryAttempts = 3
	}
	setDuration(&r.Publish.RetryInterval, 500*time.Millisecond)
	if r.Publish.BackoffMultiplier == 0 {
		r.Publish.BackoffMultiplier = 2
	}

	if r.Consumer.PrefetchCount == 0 {
		r.Consumer.PrefetchCount = 10
	}

	setString(&r.Management.URL, "http://localhost:15672")
	setString(&r.Management.User, r.User)
	setString(&r.Management.Password, r.Password)
	setDuration(&r.Management.Timeout, 5*time.Second)
}

// mergeJob fills the unset fields of job from def. The retry section is
// taken as a whole when no strategy is configured.
func mergeJob(job *JobConfig, def JobConfig) {
	setString(&job.Queues.Main, def.Queues.Main)
	setString(&job.Queues.Wait, def.Queues.Wait)
	setString(&job.Queues.DeadLetter, def.Queues.DeadLetter)
	setString(&job.Queues.DelayExchange, def.Queues.DelayExchange)

	if job.Retry.Strategy == "" {
		maxAttempts, onExhaustion := job.Retry.MaxAttempts, job.Retry.OnExhaustion
		job.Retry = def.Retry
		if maxAttempts != 0 {
			job.Retry.MaxAttempts = maxAttempts
		}
		if onExhaustion != "" {
			job.Retry.OnExhaustion = onExhaustion
		}
	}
	if job.Retry.MaxAttempts == 0 {
		job.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	setString(&job.Retry.OnExhaustion, def.Retry.OnExhaustion)
	if job.Retry.Strategy == retry.StrategyExponential && job.Queues.DelayExchange == "" {
		job.Queues.DelayExchange = job.Queues.Main + "_delayed"
	}

	// zero failure rate and latency are valid, so only an absent section is defaulted
	if job.Simulation == (SimulationConfig{}) {
		job.Simulation = def.Simulation
	}

	b := &job.Breaker
	if b.ErrorThresholdPercentage == 0 {
		b.ErrorThresholdPercentage = def.Breaker.ErrorThresholdPercentage
	}
	setDuration(&b.Timeout, def.Breaker.Timeout)
	setDuration(&b.ResetTimeout, def.Breaker.ResetTimeout)
	setDuration(&b.RollingWindow, 10*time.Second)
	if b.Buckets == 0 {
		b.Buckets = 10
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
