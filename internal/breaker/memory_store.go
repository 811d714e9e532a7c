package breaker

import (
	"context"
	"sync"
	"time"
)

type counts struct {
	successes int
	failures  int
}

type circuit struct {
	state    State
	openedAt time.Time
	trialAt  time.Time
	buckets  map[int64]*counts
}

// MemoryStore keeps breaker state in process memory
type MemoryStore struct {
	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{circuits: make(map[string]*circuit)}
}

func (s *MemoryStore) get(name string) *circuit {
	c, ok := s.circuits[name]
	if !ok {
		c = &circuit{state: StateClosed, buckets: make(map[int64]*counts)}
		s.circuits[name] = c
	}
	return c
}

func (s *MemoryStore) Acquire(_ context.Context, name string, now time.Time, cfg Config) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)

	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < cfg.ResetTimeout {
			return Decision{From: StateOpen, To: StateOpen, OpenedAt: c.openedAt}, nil
		}
		c.state = StateHalfOpen
		c.trialAt = now
		return Decision{Allowed: true, Trial: true, From: StateOpen, To: StateHalfOpen, OpenedAt: c.openedAt}, nil

	case StateHalfOpen:
		if !c.trialAt.IsZero() && now.Sub(c.trialAt) < cfg.trialLease() {
			return Decision{From: StateHalfOpen, To: StateHalfOpen, OpenedAt: c.openedAt}, nil
		}
		// previous trial lease expired
		c.trialAt = now
		return Decision{Allowed: true, Trial: true, From: StateHalfOpen, To: StateHalfOpen, OpenedAt: c.openedAt}, nil

	default:
		return Decision{Allowed: true, From: StateClosed, To: StateClosed}, nil
	}
}

func (s *MemoryStore) Record(_ context.Context, name string, now time.Time, trial, success bool, cfg Config) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)
	from := c.state

	if trial && c.state == StateHalfOpen {
		c.trialAt = time.Time{}
		if success {
			c.state = StateClosed
			c.buckets = make(map[int64]*counts)
		} else {
			c.state = StateOpen
			c.openedAt = now
		}
		return Transition{From: from, To: c.state}, nil
	}

	// late results after the breaker left closed do not count
	if c.state != StateClosed {
		return Transition{From: from, To: from}, nil
	}

	width := cfg.bucketWidth()
	epoch := now.UnixNano() / int64(width)

	b, ok := c.buckets[epoch]
	if !ok {
		b = &counts{}
		c.buckets[epoch] = b
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}

	var total, failures int
	for e, bucket := range c.buckets {
		if e <= epoch-int64(cfg.Buckets) {
			delete(c.buckets, e)
			continue
		}
		total += bucket.successes + bucket.failures
		failures += bucket.failures
	}

	if cfg.shouldTrip(total, failures) {
		c.state = StateOpen
		c.openedAt = now
		c.buckets = make(map[int64]*counts)
	}

	return Transition{From: from, To: c.state}, nil
}

func (s *MemoryStore) State(_ context.Context, name string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name).state, nil
}
