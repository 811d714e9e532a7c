package breaker

import "time"

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String
func ParseState(s string) (State, bool) {
	switch s {
	case "closed", "":
		return StateClosed, true
	case "open":
		return StateOpen, true
	case "half-open":
		return StateHalfOpen, true
	default:
		return StateClosed, false
	}
}

// Decision is the store's answer to an acquisition
type Decision struct {
	Allowed bool
	// Trial is set when the call is the single half-open probe
	Trial    bool
	From, To State
	OpenedAt time.Time
}

// Transition describes the state change caused by recording an outcome
type Transition struct {
	From, To State
}

// Changed reports whether the state moved
func (t Transition) Changed() bool { return t.From != t.To }

// Clock is the time source of a breaker
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
