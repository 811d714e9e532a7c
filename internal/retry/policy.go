// Package retry holds the per-class retry policies: how many attempts a job
// gets, how long it waits between them and which broker mechanism carries
// the wait.
package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Mechanism is the broker-side way a delayed retry is carried out
type Mechanism string

const (
	// MechanismWaitQueueTTL rejects the delivery without requeue; the main
	// queue dead-letters it into the wait queue whose TTL routes it back.
	MechanismWaitQueueTTL Mechanism = "wait_queue_ttl"

	// MechanismPerMessageExpiration publishes a copy to the wait queue with a
	// per-message expiration, then acknowledges the original.
	MechanismPerMessageExpiration Mechanism = "per_message_expiration"

	// MechanismDelayedExchange publishes a copy to the delayed-message
	// exchange with an x-delay header, then acknowledges the original.
	MechanismDelayedExchange Mechanism = "delayed_exchange"
)

// Exhaustion is what happens to a job that has used all of its attempts
type Exhaustion string

const (
	ExhaustionDeadLetter Exhaustion = "dead_letter"
	ExhaustionDiscard    Exhaustion = "discard"
)

// Strategy names accepted in configuration
const (
	StrategyFixed       = "fixed"
	StrategyRandom      = "random"
	StrategyExponential = "exponential"
)

var (
	ErrInvalidPolicy   = errors.New("invalid retry policy")
	ErrUnknownStrategy = errors.New("unknown retry strategy")
)

// Policy decides delay and mechanism for the next attempt of a job
type Policy interface {
	// MaxAttempts is the total number of handler invocations a job may get
	MaxAttempts() int
	// Delay returns the wait before the next attempt, given the attempts
	// already consumed
	Delay(attemptCount int) time.Duration
	Mechanism() Mechanism
	OnExhaustion() Exhaustion
}

type base struct {
	maxAttempts  int
	onExhaustion Exhaustion
}

func (b base) MaxAttempts() int         { return b.maxAttempts }
func (b base) OnExhaustion() Exhaustion { return b.onExhaustion }

// FixedDelay waits the same duration before every retry. The delay lives in
// the wait queue's TTL, so it is fixed per queue.
type FixedDelay struct {
	base
	delay time.Duration
}

func NewFixedDelay(delay time.Duration, maxAttempts int, onExhaustion Exhaustion) (*FixedDelay, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("%w: fixed delay must be positive, got %s", ErrInvalidPolicy, delay)
	}
	b, err := newBase(maxAttempts, onExhaustion)
	if err != nil {
		return nil, err
	}
	return &FixedDelay{base: b, delay: delay}, nil
}

func (p *FixedDelay) Delay(int) time.Duration { return p.delay }
func (p *FixedDelay) Mechanism() Mechanism    { return MechanismWaitQueueTTL }

// RandomRange picks a uniformly distributed delay in [min, max] for every
// retry. Messages share the wait queue, so a long expiration at its head
// holds back shorter ones behind it.
type RandomRange struct {
	base
	min, max time.Duration
	int63n   func(n int64) int64
}

func NewRandomRange(min, max time.Duration, maxAttempts int, onExhaustion Exhaustion) (*RandomRange, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("%w: random range [%s, %s] is empty", ErrInvalidPolicy, min, max)
	}
	b, err := newBase(maxAttempts, onExhaustion)
	if err != nil {
		return nil, err
	}
	return &RandomRange{base: b, min: min, max: max, int63n: rand.Int63n}, nil
}

func (p *RandomRange) Delay(int) time.Duration {
	span := int64(p.max-p.min) + 1
	return p.min + time.Duration(p.int63n(span))
}

func (p *RandomRange) Mechanism() Mechanism { return MechanismPerMessageExpiration }

// Bounds returns the configured range
func (p *RandomRange) Bounds() (time.Duration, time.Duration) { return p.min, p.max }

// ExponentialBackoff doubles the delay after every failed attempt:
// min(base * 2^attemptCount, cap).
type ExponentialBackoff struct {
	base
	initial time.Duration
	cap     time.Duration
}

func NewExponentialBackoff(initial, cap time.Duration, maxAttempts int, onExhaustion Exhaustion) (*ExponentialBackoff, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("%w: backoff base must be positive, got %s", ErrInvalidPolicy, initial)
	}
	if cap < initial {
		return nil, fmt.Errorf("%w: backoff cap %s is below base %s", ErrInvalidPolicy, cap, initial)
	}
	b, err := newBase(maxAttempts, onExhaustion)
	if err != nil {
		return nil, err
	}
	return &ExponentialBackoff{base: b, initial: initial, cap: cap}, nil
}

func (p *ExponentialBackoff) Delay(attemptCount int) time.Duration {
	delay := p.initial
	for i := 0; i < attemptCount; i++ {
		if delay >= p.cap/2 {
			return p.cap
		}
		delay *= 2
	}
	if delay > p.cap {
		return p.cap
	}
	return delay
}

func (p *ExponentialBackoff) Mechanism() Mechanism { return MechanismDelayedExchange }

func newBase(maxAttempts int, onExhaustion Exhaustion) (base, error) {
	if maxAttempts < 1 {
		return base{}, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, maxAttempts)
	}
	switch onExhaustion {
	case "":
		onExhaustion = ExhaustionDeadLetter
	case ExhaustionDeadLetter, ExhaustionDiscard:
	default:
		return base{}, fmt.Errorf("%w: unknown exhaustion action %q", ErrInvalidPolicy, onExhaustion)
	}
	return base{maxAttempts: maxAttempts, onExhaustion: onExhaustion}, nil
}

// Settings is the configuration form of a policy
type Settings struct {
	Strategy     string
	Delay        time.Duration
	Min          time.Duration
	Max          time.Duration
	Base         time.Duration
	Cap          time.Duration
	MaxAttempts  int
	OnExhaustion Exhaustion
}

// New builds the policy described by s
func New(s Settings) (Policy, error) {
	var (
		p   Policy
		err error
	)

	switch s.Strategy {
	case StrategyFixed:
		p, err = NewFixedDelay(s.Delay, s.MaxAttempts, s.OnExhaustion)
	case StrategyRandom:
		p, err = NewRandomRange(s.Min, s.Max, s.MaxAttempts, s.OnExhaustion)
	case StrategyExponential:
		p, err = NewExponentialBackoff(s.Base, s.Cap, s.MaxAttempts, s.OnExhaustion)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Strategy)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
