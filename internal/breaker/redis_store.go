package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript admits a call. KEYS[1] is the state hash.
// ARGV: now_ms, reset_ms, lease_ms.
// Returns {allowed, trial, from, to, opened_at_ms}.
var acquireScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = tonumber(ARGV[1])
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')

if state == 'open' then
	if now - opened < tonumber(ARGV[2]) then
		return {0, 0, 'open', 'open', opened}
	end
	redis.call('HSET', KEYS[1], 'state', 'half-open', 'trial_at', ARGV[1])
	return {1, 1, 'open', 'half-open', opened}
end

if state == 'half-open' then
	local trial = tonumber(redis.call('HGET', KEYS[1], 'trial_at') or '0')
	if trial > 0 and now - trial < tonumber(ARGV[3]) then
		return {0, 0, 'half-open', 'half-open', opened}
	end
	redis.call('HSET', KEYS[1], 'trial_at', ARGV[1])
	return {1, 1, 'half-open', 'half-open', opened}
end

return {1, 0, 'closed', 'closed', 0}
`)

// recordScript adds an outcome. KEYS[1] is the state hash, KEYS[2] the
// window hash with fields "<epoch>:s" and "<epoch>:f".
// ARGV: now_ms, trial, success, bucket_ms, buckets, threshold, volume.
// Returns {from, to}.
var recordScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local trial = ARGV[2] == '1'
local success = ARGV[3] == '1'

if trial and state == 'half-open' then
	if success then
		redis.call('HSET', KEYS[1], 'state', 'closed', 'trial_at', '0')
		redis.call('DEL', KEYS[2])
		return {'half-open', 'closed'}
	end
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'trial_at', '0')
	return {'half-open', 'open'}
end

if state ~= 'closed' then
	return {state, state}
end

local width = tonumber(ARGV[4])
local buckets = tonumber(ARGV[5])
local epoch = math.floor(tonumber(ARGV[1]) / width)
local field = tostring(epoch) .. (success and ':s' or ':f')
redis.call('HINCRBY', KEYS[2], field, 1)

local entries = redis.call('HGETALL', KEYS[2])
local total, failures = 0, 0
for i = 1, #entries, 2 do
	local sep = string.find(entries[i], ':', 1, true)
	local e = tonumber(string.sub(entries[i], 1, sep - 1))
	if e <= epoch - buckets then
		redis.call('HDEL', KEYS[2], entries[i])
	else
		local n = tonumber(entries[i + 1])
		total = total + n
		if string.sub(entries[i], sep + 1) == 'f' then
			failures = failures + n
		end
	end
end
redis.call('PEXPIRE', KEYS[2], width * buckets * 2)

if total > 0 and total >= tonumber(ARGV[7]) and failures * 100 > tonumber(ARGV[6]) * total then
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'trial_at', '0')
	redis.call('DEL', KEYS[2])
	return {'closed', 'open'}
end
return {'closed', 'closed'}
`)

// RedisStore shares breaker state between processes. Transitions run as Lua
// scripts so concurrent workers see one consistent state machine.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "breaker"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) stateKey(name string) string {
	return fmt.Sprintf("%s:%s:state", s.prefix, name)
}

func (s *RedisStore) windowKey(name string) string {
	return fmt.Sprintf("%s:%s:window", s.prefix, name)
}

func (s *RedisStore) Acquire(ctx context.Context, name string, now time.Time, cfg Config) (Decision, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.stateKey(name)},
		now.UnixMilli(),
		cfg.ResetTimeout.Milliseconds(),
		cfg.trialLease().Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run acquire script: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("unexpected acquire script reply: %v", res)
	}

	from, err := replyState(res[2])
	if err != nil {
		return Decision{}, err
	}
	to, err := replyState(res[3])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed: replyInt(res[0]) == 1,
		Trial:   replyInt(res[1]) == 1,
		From:    from,
		To:      to,
	}
	if ms := replyInt(res[4]); ms > 0 {
		d.OpenedAt = time.UnixMilli(ms)
	}
	return d, nil
}

func (s *RedisStore) Record(ctx context.Context, name string, now time.Time, trial, success bool, cfg Config) (Transition, error) {
	res, err := recordScript.Run(ctx, s.client,
		[]string{s.stateKey(name), s.windowKey(name)},
		now.UnixMilli(),
		boolArg(trial),
		boolArg(success),
		cfg.bucketWidth().Milliseconds(),
		cfg.Buckets,
		strconv.FormatFloat(cfg.ErrorThresholdPercentage, 'f', -1, 64),
		cfg.VolumeThreshold,
	).Slice()
	if err != nil {
		return Transition{}, fmt.Errorf("failed to run record script: %w", err)
	}
	if len(res) != 2 {
		return Transition{}, fmt.Errorf("unexpected record script reply: %v", res)
	}

	from, err := replyState(res[0])
	if err != nil {
		return Transition{}, err
	}
	to, err := replyState(res[1])
	if err != nil {
		return Transition{}, err
	}
	return Transition{From: from, To: to}, nil
}

func (s *RedisStore) State(ctx context.Context, name string) (State, error) {
	v, err := s.client.HGet(ctx, s.stateKey(name), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateClosed, nil
	}
	if err != nil {
		return StateClosed, fmt.Errorf("failed to read breaker state: %w", err)
	}
	st, ok := ParseState(v)
	if !ok {
		return StateClosed, fmt.Errorf("unknown breaker state %q", v)
	}
	return st, nil
}

func replyState(v interface{}) (State, error) {
	s, _ := v.(string)
	st, ok := ParseState(s)
	if !ok {
		return StateClosed, fmt.Errorf("unknown breaker state %v in script reply", v)
	}
	return st, nil
}

func replyInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
