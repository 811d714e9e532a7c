package breaker

import (
	"context"
	"time"
)

// Store holds breaker state and the rolling window. Implementations must make
// Acquire and Record atomic per breaker name.
type Store interface {
	// Acquire asks whether a call may proceed at now
	Acquire(ctx context.Context, name string, now time.Time, cfg Config) (Decision, error)
	// Record adds the outcome of a call admitted by Acquire
	Record(ctx context.Context, name string, now time.Time, trial, success bool, cfg Config) (Transition, error)
	// State returns the current state without changing it
	State(ctx context.Context, name string) (State, error)
}
