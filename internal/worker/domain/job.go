package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// JobClass tags a job with the pipeline that processes it
type JobClass string

// Valid reports whether the class is one of the known job classes
func (c JobClass) Valid() bool {
	switch c {
	case ClassEmail, ClassMarketingEmail, ClassReport:
		return true
	default:
		return false
	}
}

// Classes lists every known job class
func Classes() []JobClass {
	return []JobClass{ClassEmail, ClassMarketingEmail, ClassReport}
}

// Job is a typed job payload. Each job class has exactly one implementation.
type Job interface {
	Class() JobClass
	// Key identifies the job in logs (recipient, report id)
	Key() string
	Validate() error
}

// EmailJob is a transactional email
type EmailJob struct {
	Email string `json:"email"`
}

func (EmailJob) Class() JobClass { return ClassEmail }
func (j EmailJob) Key() string   { return j.Email }

func (j EmailJob) Validate() error {
	return validateEmail(j.Email)
}

// MarketingEmailJob is a bulk marketing email
type MarketingEmailJob struct {
	Email string `json:"email"`
}

func (MarketingEmailJob) Class() JobClass { return ClassMarketingEmail }
func (j MarketingEmailJob) Key() string   { return j.Email }

func (j MarketingEmailJob) Validate() error {
	return validateEmail(j.Email)
}

// ReportJob asks for a report to be generated
type ReportJob struct {
	ReportID string `json:"reportId"`
}

func (ReportJob) Class() JobClass { return ClassReport }
func (j ReportJob) Key() string   { return j.ReportID }

func (j ReportJob) Validate() error {
	if strings.TrimSpace(j.ReportID) == "" {
		return fmt.Errorf("%w: reportId is required", ErrInvalidPayload)
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidPayload)
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidPayload, email)
	}
	return nil
}

// Envelope is the message body published to the broker. The payload is
// written once by the producer and never rewritten.
type Envelope struct {
	ID          string          `json:"id"`
	Class       JobClass        `json:"class"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// NewEnvelope wraps a job into an envelope
func NewEnvelope(id string, job Job, submittedAt time.Time) (*Envelope, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", job.Class(), err)
	}

	return &Envelope{
		ID:          id,
		Class:       job.Class(),
		Payload:     payload,
		SubmittedAt: submittedAt.UTC(),
	}, nil
}

// DecodeEnvelope parses a message body
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: envelope id is missing", ErrInvalidPayload)
	}
	if !env.Class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobClass, env.Class)
	}
	return &env, nil
}

// Job decodes the payload into the typed job for the envelope's class
func (e *Envelope) Job() (Job, error) {
	var job Job
	switch e.Class {
	case ClassEmail:
		var j EmailJob
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		job = j
	case ClassMarketingEmail:
		var j MarketingEmailJob
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		job = j
	case ClassReport:
		var j ReportJob
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		job = j
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobClass, e.Class)
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Marshal encodes the envelope for publishing
func (e *Envelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s: %w", e.ID, err)
	}
	return body, nil
}
