package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by every CircuitOpenError
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when the protected call outlives the breaker timeout
	ErrTimeout = errors.New("circuit breaker call timed out")

	// ErrPanic is returned when the protected call panics
	ErrPanic = errors.New("circuit breaker call panicked")

	ErrInvalidConfig = errors.New("invalid circuit breaker config")
)

// CircuitOpenError is returned without invoking the downstream call while the
// breaker is open, or half-open with its trial already in flight.
type CircuitOpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
	}
	return fmt.Sprintf("circuit breaker %s is %s until %s", e.Name, e.State, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}
