package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJobClass is returned when an envelope names a class this worker does not know
	ErrUnknownJobClass = errors.New("unknown job class")

	// ErrInvalidPayload is returned when an envelope or its payload is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrDeliveryAlreadySettled is returned when a delivery is acknowledged or rejected twice
	ErrDeliveryAlreadySettled = errors.New("delivery already acknowledged or rejected")
)

// TransientError wraps any handler failure or timeout. Every failure is
// treated as transient and retried until the attempts are exhausted.
type TransientError struct {
	JobID   string
	Class   JobClass
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %s job %s attempt %d: %v", e.Class, e.JobID, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient processing failure
func NewTransientError(jobID string, class JobClass, attempt int, err error) error {
	return &TransientError{JobID: jobID, Class: class, Attempt: attempt, Err: err}
}

// ExhaustedRetriesError is terminal: the job is routed to the dead-letter sink
type ExhaustedRetriesError struct {
	JobID       string
	Class       JobClass
	Attempts    int
	MaxAttempts int
	LastErr     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted: %s job %s after %d/%d attempts: %v",
		e.Class, e.JobID, e.Attempts, e.MaxAttempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.LastErr
}
