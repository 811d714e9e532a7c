package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidBucket = errors.New("invalid token bucket settings")

// TokenBucket is a token bucket shared by every API replica through Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding at most capacity tokens and
// regaining refillPerSecond tokens every second. Idle keys expire after ttl.
func NewTokenBucket(client redis.Scripter, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) (*TokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidBucket)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1, got %d", ErrInvalidBucket, capacity)
	}
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidBucket, refillPerSecond)
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Allow consumes a single token for key if one is available.
// It returns whether the call is allowed and the tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, int64, error) {
	now := b.now().UnixMilli()

	res, err := bucketScript.Run(ctx, b.client,
		[]string{b.prefix + ":" + key},
		b.capacity, b.refill, now, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}

	return res[0] == 1, res[1], nil
}

// Tokens are stored as floats; the reply truncates them to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
