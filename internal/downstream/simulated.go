// Package downstream holds the simulated downstream operations of each job
// class. They stand in for an email provider and a report generator and fail
// on purpose so the retry engine has something to do.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
)

// ErrSimulatedFailure is returned when a simulated operation fails
var ErrSimulatedFailure = errors.New("simulated downstream failure")

// Settings shape a simulated operation
type Settings struct {
	Latency time.Duration
	// FailureRate is the probability in [0, 1] that an attempt fails
	FailureRate float64
	// SucceedFromAttempt makes every attempt before it fail, 0 disables
	SucceedFromAttempt int
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.Latency < 0 {
		return fmt.Errorf("latency must not be negative, got %s", s.Latency)
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		return fmt.Errorf("failure rate must be in [0, 1], got %v", s.FailureRate)
	}
	if s.SucceedFromAttempt < 0 {
		return fmt.Errorf("succeed from attempt must not be negative, got %d", s.SucceedFromAttempt)
	}
	return nil
}

// Simulated is a downstream operation with configurable latency and failures
type Simulated struct {
	class    domain.JobClass
	settings Settings
	logger   *slog.Logger
	random   func() float64
}

func NewSimulated(class domain.JobClass, settings Settings, logger *slog.Logger) (*Simulated, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s downstream: %w", class, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		class:    class,
		settings: settings,
		logger:   logger.With(slog.String("class", string(class))),
		random:   rand.Float64,
	}, nil
}

// Handle performs the operation for job. attempt is 1-based.
func (s *Simulated) Handle(ctx context.Context, job domain.Job, attempt int) error {
	if job.Class() != s.class {
		return fmt.Errorf("%w: %s job sent to %s downstream", domain.ErrUnknownJobClass, job.Class(), s.class)
	}

	s.logger.Info("Processing job",
		slog.String("key", job.Key()),
		slog.Int("attempt", attempt),
	)

	if s.settings.Latency > 0 {
		timer := time.NewTimer(s.settings.Latency)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.settings.SucceedFromAttempt > 0 && attempt < s.settings.SucceedFromAttempt {
		return fmt.Errorf("%w: %s %s on attempt %d", ErrSimulatedFailure, s.class, job.Key(), attempt)
	}

	if s.settings.FailureRate > 0 && s.random() < s.settings.FailureRate {
		return fmt.Errorf("%w: %s %s", ErrSimulatedFailure, s.class, job.Key())
	}

	s.logger.Info("Job processed",
		slog.String("key", job.Key()),
		slog.Int("attempt", attempt),
	)
	return nil
}
