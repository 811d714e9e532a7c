// Package breaker implements a rolling-window circuit breaker that sits in
// front of a flaky downstream dependency, one instance per job class.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultRollingWindow = 10 * time.Second
	defaultBuckets       = 10
)

// Config holds the thresholds of one breaker
type Config struct {
	Name string
	// ErrorThresholdPercentage trips the breaker when the failure rate in the
	// rolling window is strictly above it
	ErrorThresholdPercentage float64
	// Timeout bounds every protected call. A half-open trial holds its
	// lease for Timeout plus one bucket width.
	Timeout      time.Duration
	ResetTimeout time.Duration
	// RollingWindow is split into Buckets time buckets
	RollingWindow time.Duration
	Buckets       int
	// VolumeThreshold is the minimum number of calls in the window before
	// the breaker may trip
	VolumeThreshold int
}

func (c *Config) applyDefaults() {
	if c.RollingWindow <= 0 {
		c.RollingWindow = defaultRollingWindow
	}
	if c.Buckets <= 0 {
		c.Buckets = defaultBuckets
	}
}

// Validate checks the config after defaults are applied
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.ErrorThresholdPercentage <= 0 || c.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("%w: error threshold must be in (0, 100], got %v", ErrInvalidConfig, c.ErrorThresholdPercentage)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset timeout must be positive", ErrInvalidConfig)
	}
	if c.RollingWindow < time.Duration(c.Buckets)*time.Millisecond {
		return fmt.Errorf("%w: rolling window %s is too short for %d buckets", ErrInvalidConfig, c.RollingWindow, c.Buckets)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("%w: volume threshold must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) bucketWidth() time.Duration {
	return c.RollingWindow / time.Duration(c.Buckets)
}

// trialLease outlives the trial call's own timeout so the lease cannot lapse
// between the call returning and its outcome being recorded
func (c Config) trialLease() time.Duration {
	return c.Timeout + c.bucketWidth()
}

func (c Config) shouldTrip(total, failures int) bool {
	if total == 0 || total < c.VolumeThreshold {
		return false
	}
	return float64(failures)*100 > c.ErrorThresholdPercentage*float64(total)
}

// StateListener is called synchronously after every state change
type StateListener func(name string, from, to State)

// Option configures a Breaker
type Option func(*Breaker)

// WithStore replaces the in-memory state store
func WithStore(store Store) Option {
	return func(b *Breaker) {
		b.store = store
	}
}

func WithClock(clock Clock) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

func WithStateListener(listener StateListener) Option {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, listener)
	}
}

// Breaker guards calls to one downstream dependency. It is safe for
// concurrent use; every goroutine of a job class shares the same instance.
type Breaker struct {
	cfg       Config
	store     Store
	clock     Clock
	logger    *slog.Logger
	listeners []StateListener
}

// New creates a breaker in the closed state
func New(cfg Config, opts ...Option) (*Breaker, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		cfg:    cfg,
		store:  NewMemoryStore(),
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("breaker", cfg.Name))

	return b, nil
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state as seen by the store
func (b *Breaker) State(ctx context.Context) (State, error) {
	return b.store.State(ctx, b.cfg.Name)
}

// Call runs fn through the breaker. fn receives a context bounded by the
// breaker timeout; if fn does not return in time the call fails with
// ErrTimeout and its late result is discarded.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	decision, err := b.store.Acquire(ctx, b.cfg.Name, b.clock.Now(), b.cfg)
	if err != nil {
		return fmt.Errorf("failed to acquire breaker %s: %w", b.cfg.Name, err)
	}
	b.notify(decision.From, decision.To)

	if !decision.Allowed {
		openErr := &CircuitOpenError{Name: b.cfg.Name, State: decision.To}
		if decision.To == StateOpen && !decision.OpenedAt.IsZero() {
			openErr.RetryAt = decision.OpenedAt.Add(b.cfg.ResetTimeout)
		}
		return openErr
	}

	callErr := b.run(ctx, fn)

	if ctx.Err() != nil && callErr != nil {
		// shutdown, not a downstream failure; an abandoned trial still
		// sends the breaker back to open
		if decision.Trial {
			b.record(context.WithoutCancel(ctx), true, false)
		}
		return callErr
	}

	b.record(ctx, decision.Trial, callErr == nil)
	return callErr
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		result <- fn(callCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, b.cfg.Timeout)
	}
}

func (b *Breaker) record(ctx context.Context, trial, success bool) {
	transition, err := b.store.Record(ctx, b.cfg.Name, b.clock.Now(), trial, success, b.cfg)
	if err != nil {
		b.logger.Error("Failed to record breaker outcome",
			slog.Bool("success", success),
			slog.Any("error", err),
		)
		return
	}
	if transition.Changed() {
		b.notify(transition.From, transition.To)
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}

	b.logger.Warn("Circuit breaker state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	for _, listener := range b.listeners {
		listener(b.cfg.Name, from, to)
	}
}
