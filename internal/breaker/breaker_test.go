package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDownstream = errors.New("downstream failed")

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errDownstream }

// storeFactories runs every scenario against both state stores
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test")
		},
	}
}

func emailConfig() Config {
	return Config{
		Name:                     "email",
		ErrorThresholdPercentage: 20,
		Timeout:                  3 * time.Second,
		ResetTimeout:             10 * time.Second,
	}
}

func newTestBreaker(t *testing.T, cfg Config, store Store, clock Clock, opts ...Option) *Breaker {
	t.Helper()
	b, err := New(cfg, append([]Option{WithStore(store), WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return b
}

func TestBreaker_TripsAndShortCircuits(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			b := newTestBreaker(t, emailConfig(), newStore(), clock)

			var invoked int32
			call := func(fn func(context.Context) error) error {
				return b.Call(ctx, func(ctx context.Context) error {
					atomic.AddInt32(&invoked, 1)
					return fn(ctx)
				})
			}

			// burst of 20: 15 successes then failures; the 19th call puts
			// the failure rate at 4/19 > 20%
			var openErrs int
			for i := 0; i < 20; i++ {
				fn := succeed
				if i >= 15 {
					fn = fail
				}
				err := call(fn)
				if errors.Is(err, ErrCircuitOpen) {
					openErrs++
				}
			}
			assert.Equal(t, 1, openErrs)
			assert.Equal(t, int32(19), atomic.LoadInt32(&invoked))

			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateOpen, state)

			// during the reset timeout calls fail fast
			clock.Advance(9 * time.Second)
			for i := 0; i < 5; i++ {
				err := call(succeed)
				var openErr *CircuitOpenError
				require.ErrorAs(t, err, &openErr)
				assert.Equal(t, StateOpen, openErr.State)
				assert.False(t, openErr.RetryAt.IsZero())
			}
			assert.Equal(t, int32(19), atomic.LoadInt32(&invoked))

			// after the reset timeout exactly one trial goes through
			clock.Advance(time.Second)
			require.NoError(t, call(succeed))
			assert.Equal(t, int32(20), atomic.LoadInt32(&invoked))

			state, err = b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateClosed, state)
		})
	}
}

func TestBreaker_ThresholdIsStrict(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBreaker(t, emailConfig(), newStore(), newFakeClock())

			// exactly 20% failures: 16 successes then 4 failures
			for i := 0; i < 20; i++ {
				fn := succeed
				if i >= 16 {
					fn = fail
				}
				err := b.Call(ctx, fn)
				assert.False(t, errors.Is(err, ErrCircuitOpen), "call %d", i)
			}

			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateClosed, state)

			// one more failure crosses the threshold
			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			state, err = b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateOpen, state)
		})
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			b := newTestBreaker(t, emailConfig(), newStore(), clock)

			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)

			clock.Advance(10 * time.Second)
			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)

			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateOpen, state)

			// openedAt was reset by the failed trial
			clock.Advance(5 * time.Second)
			assert.ErrorIs(t, b.Call(ctx, succeed), ErrCircuitOpen)

			clock.Advance(5 * time.Second)
			assert.NoError(t, b.Call(ctx, succeed))
		})
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			b := newTestBreaker(t, emailConfig(), newStore(), clock)

			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			clock.Advance(10 * time.Second)

			release := make(chan struct{})
			started := make(chan struct{})
			trialDone := make(chan error, 1)
			go func() {
				trialDone <- b.Call(ctx, func(context.Context) error {
					close(started)
					<-release
					return nil
				})
			}()
			<-started

			var wg sync.WaitGroup
			var rejected int32
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := b.Call(ctx, succeed)
					var openErr *CircuitOpenError
					if errors.As(err, &openErr) && openErr.State == StateHalfOpen {
						atomic.AddInt32(&rejected, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(10), atomic.LoadInt32(&rejected))

			close(release)
			require.NoError(t, <-trialDone)

			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateClosed, state)
		})
	}
}

func TestBreaker_TrialLeaseExpires(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := newStore()
			cfg := emailConfig()

			b := newTestBreaker(t, cfg, store, clock)
			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			clock.Advance(10 * time.Second)

			// a trial owner that vanished without recording
			d, err := store.Acquire(ctx, cfg.Name, clock.Now(), b.cfg)
			require.NoError(t, err)
			require.True(t, d.Trial)

			assert.ErrorIs(t, b.Call(ctx, succeed), ErrCircuitOpen)

			// the first trial may still be recording just past its timeout
			clock.Advance(cfg.Timeout)
			assert.ErrorIs(t, b.Call(ctx, succeed), ErrCircuitOpen)

			clock.Advance(b.cfg.bucketWidth())
			assert.NoError(t, b.Call(ctx, succeed))
		})
	}
}

func TestBreaker_VolumeThreshold(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cfg := emailConfig()
			cfg.VolumeThreshold = 5
			b := newTestBreaker(t, cfg, newStore(), newFakeClock())

			for i := 0; i < 4; i++ {
				require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			}
			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateClosed, state)

			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			state, err = b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateOpen, state)
		})
	}
}

func TestBreaker_RollingWindowForgetsOldBuckets(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			cfg := emailConfig()
			cfg.ErrorThresholdPercentage = 50
			cfg.VolumeThreshold = 4
			b := newTestBreaker(t, cfg, newStore(), clock)

			for i := 0; i < 3; i++ {
				require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
			}

			// the failures fall out of the 10s window
			clock.Advance(11 * time.Second)
			for i := 0; i < 4; i++ {
				require.NoError(t, b.Call(ctx, succeed))
			}
			require.ErrorIs(t, b.Call(ctx, fail), errDownstream)

			state, err := b.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateClosed, state)
		})
	}
}

func TestBreaker_Timeout(t *testing.T) {
	cfg := emailConfig()
	cfg.Timeout = 20 * time.Millisecond
	b, err := New(cfg)
	require.NoError(t, err)

	start := time.Now()
	err = b.Call(context.Background(), func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	state, err := b.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_Panic(t *testing.T) {
	b, err := New(emailConfig())
	require.NoError(t, err)

	err = b.Call(context.Background(), func(context.Context) error {
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestBreaker_ParentCancellationIsNotAFailure(t *testing.T) {
	b, err := New(emailConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = b.Call(ctx, func(callCtx context.Context) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	state, err := b.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestBreaker_StateListener(t *testing.T) {
	clock := newFakeClock()

	var mu sync.Mutex
	var transitions []string
	listener := func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}

	b := newTestBreaker(t, emailConfig(), NewMemoryStore(), clock, WithStateListener(listener))
	ctx := context.Background()

	require.ErrorIs(t, b.Call(ctx, fail), errDownstream)
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"email:closed->open",
		"email:open->half-open",
		"email:half-open->closed",
	}, transitions)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"zero threshold", func(c *Config) { c.ErrorThresholdPercentage = 0 }},
		{"threshold above 100", func(c *Config) { c.ErrorThresholdPercentage = 101 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero reset timeout", func(c *Config) { c.ResetTimeout = 0 }},
		{"negative volume", func(c *Config) { c.VolumeThreshold = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := emailConfig()
			tt.mutate(&cfg)
			b, err := New(cfg)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	ctx := context.Background()

	first := newTestBreaker(t, emailConfig(), NewRedisStore(client, ""), clock)
	second := newTestBreaker(t, emailConfig(), NewRedisStore(client, ""), clock)

	require.ErrorIs(t, first.Call(ctx, fail), errDownstream)
	assert.ErrorIs(t, second.Call(ctx, succeed), ErrCircuitOpen)

	assert.Equal(t, "open", mr.HGet("breaker:email:state", "state"))
}

func TestState_String(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		parsed, ok := ParseState(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, parsed)
	}
	assert.Equal(t, "unknown", State(42).String())
}

func TestTransition_Changed(t *testing.T) {
	assert.True(t, Transition{From: StateClosed, To: StateOpen}.Changed())
	assert.True(t, Transition{From: StateHalfOpen, To: StateClosed}.Changed())
	assert.False(t, Transition{From: StateOpen, To: StateOpen}.Changed())
}
