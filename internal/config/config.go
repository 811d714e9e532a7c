package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/breaker"
	"github.com/cuongbtq/resilient-worker/internal/downstream"
	"github.com/cuongbtq/resilient-worker/internal/retry"
	"github.com/cuongbtq/resilient-worker/internal/topology"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Breaker state stores
const (
	BreakerStoreMemory = "memory"
	BreakerStoreRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Management ManagementConfig `yaml:"management"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// ManagementConfig points at the RabbitMQ management HTTP API
type ManagementConfig struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Classes limits the job classes this process consumes; empty means all
	Classes []string `yaml:"classes"`
}

// BreakerConfig selects where circuit breaker state lives
type BreakerConfig struct {
	Store     string `yaml:"store"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MonitorConfig holds wait-queue monitor settings
type MonitorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
	// Queues defaults to the wait queue of every class
	Queues []string `yaml:"queues"`
}

// MetricsConfig holds the worker's metrics listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RateLimitConfig holds the API submission rate limit
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Capacity        int           `yaml:"capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
	TTL             time.Duration `yaml:"ttl"`
	KeyPrefix       string        `yaml:"key_prefix"`
}

// JobsConfig holds the per-class pipeline settings
type JobsConfig struct {
	Email     JobConfig `yaml:"email"`
	Marketing JobConfig `yaml:"marketing"`
	Report    JobConfig `yaml:"report"`
}

// JobConfig describes one job class pipeline
type JobConfig struct {
	Queues     QueuesConfig     `yaml:"queues"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    CircuitConfig    `yaml:"circuit_breaker"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// QueuesConfig names the queues of a class
type QueuesConfig struct {
	Main          string `yaml:"main"`
	Wait          string `yaml:"wait"`
	DeadLetter    string `yaml:"dead_letter"`
	DelayExchange string `yaml:"delay_exchange"`
}

// RetryConfig describes a retry policy
type RetryConfig struct {
	Strategy     string        `yaml:"strategy"`
	Delay        time.Duration `yaml:"delay"`
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Base         time.Duration `yaml:"base"`
	Cap          time.Duration `yaml:"cap"`
	MaxAttempts  int           `yaml:"max_attempts"`
	OnExhaustion string        `yaml:"on_exhaustion"`
}

// CircuitConfig holds circuit breaker thresholds
type CircuitConfig struct {
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage"`
	Timeout                  time.Duration `yaml:"timeout"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"`
	RollingWindow            time.Duration `yaml:"rolling_window"`
	Buckets                  int           `yaml:"buckets"`
	VolumeThreshold          int           `yaml:"volume_threshold"`
}

// SimulationConfig drives the simulated downstream of a class
type SimulationConfig struct {
	Latency            time.Duration `yaml:"latency"`
	FailureRate        float64       `yaml:"failure_rate"`
	SucceedFromAttempt int           `yaml:"succeed_from_attempt"`
}

// Load reads and parses the configuration file and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ByClass returns the pipeline settings of every job class
func (j *JobsConfig) ByClass() map[domain.JobClass]JobConfig {
	return map[domain.JobClass]JobConfig{
		domain.ClassEmail:          j.Email,
		domain.ClassMarketingEmail: j.Marketing,
		domain.ClassReport:         j.Report,
	}
}

// EnabledClasses lists the classes this worker consumes, in a stable order
func (w *WorkerConfig) EnabledClasses() ([]domain.JobClass, error) {
	if len(w.Classes) == 0 {
		return domain.Classes(), nil
	}

	seen := make(map[domain.JobClass]bool, len(w.Classes))
	classes := make([]domain.JobClass, 0, len(w.Classes))
	for _, name := range w.Classes {
		class := domain.JobClass(name)
		if !class.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobClass, name)
		}
		if seen[class] {
			continue
		}
		seen[class] = true
		classes = append(classes, class)
	}
	return classes, nil
}

// Names converts the queue names for the topology
func (q QueuesConfig) Names() topology.Names {
	return topology.Names{
		MainQueue:       q.Main,
		WaitQueue:       q.Wait,
		DeadLetterQueue: q.DeadLetter,
		DelayExchange:   q.DelayExchange,
	}
}

// Settings converts the retry section for retry.New
func (r RetryConfig) Settings() retry.Settings {
	return retry.Settings{
		Strategy:     r.Strategy,
		Delay:        r.Delay,
		Min:          r.Min,
		Max:          r.Max,
		Base:         r.Base,
		Cap:          r.Cap,
		MaxAttempts:  r.MaxAttempts,
		OnExhaustion: retry.Exhaustion(r.OnExhaustion),
	}
}

// BreakerConfig converts the circuit breaker section for breaker.New
func (c CircuitConfig) BreakerConfig(name string) breaker.Config {
	return breaker.Config{
		Name:                     name,
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		Timeout:                  c.Timeout,
		ResetTimeout:             c.ResetTimeout,
		RollingWindow:            c.RollingWindow,
		Buckets:                  c.Buckets,
		VolumeThreshold:          c.VolumeThreshold,
	}
}

// Settings converts the simulation section for downstream.NewSimulated
func (s SimulationConfig) Settings() downstream.Settings {
	return downstream.Settings{
		Latency:            s.Latency,
		FailureRate:        s.FailureRate,
		SucceedFromAttempt: s.SucceedFromAttempt,
	}
}

// ValidateAPIConfig checks the settings used by the api service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	for class, job := range c.Jobs.ByClass() {
		if job.Queues.Main == "" {
			return fmt.Errorf("jobs.%s.queues.main is required", class)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Capacity < 1 {
			return fmt.Errorf("rate_limit capacity must be at least 1")
		}
		if c.RateLimit.RefillPerSecond <= 0 {
			return fmt.Errorf("rate_limit refill_per_second must be greater than 0")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when rate_limit is enabled")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	classes, err := c.Worker.EnabledClasses()
	if err != nil {
		return fmt.Errorf("worker classes: %w", err)
	}

	switch c.Breaker.Store {
	case BreakerStoreMemory:
	case BreakerStoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis breaker store")
		}
	default:
		return fmt.Errorf("unknown breaker store %q (must be %s or %s)", c.Breaker.Store, BreakerStoreMemory, BreakerStoreRedis)
	}

	jobs := c.Jobs.ByClass()
	spec := topology.Spec{}
	for _, class := range classes {
		job := jobs[class]

		policy, err := retry.New(job.Retry.Settings())
		if err != nil {
			return fmt.Errorf("jobs.%s.retry: %w", class, err)
		}

		if err := job.Breaker.BreakerConfig(string(class)).Validate(); err != nil {
			return fmt.Errorf("jobs.%s.circuit_breaker: %w", class, err)
		}

		if err := job.Simulation.Settings().Validate(); err != nil {
			return fmt.Errorf("jobs.%s.simulation: %w", class, err)
		}

		spec.Classes = append(spec.Classes, topology.NewClassSpec(class, job.Queues.Names(), policy))
	}

	if err := spec.Validate(); err != nil {
		return fmt.Errorf("jobs queues: %w", err)
	}

	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be greater than 0")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}
