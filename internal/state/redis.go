package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript runs the whole token-bucket step inside Redis so concurrent
// evaluations of the same key from any proxy instance serialise server-side.
// Returns {allowed, tokens-as-string, retry_after}; tokens goes over the wire
// as a string because Lua replies truncate numbers to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]

local now_ms      = tonumber(ARGV[1])
local capacity    = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local tokens = tonumber(redis.call("HGET", key, "tokens"))
local last   = tonumber(redis.call("HGET", key, "last"))

if tokens == nil then tokens = capacity end
if last   == nil then last = now_ms end

local elapsed_ms = now_ms - last
if elapsed_ms < 0 then elapsed_ms = 0 end

tokens = tokens + (elapsed_ms / 1000.0) * refill_rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local retry_after = 0

if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
else
  retry_after = math.ceil((1.0 - tokens) / refill_rate)
  if retry_after < 1 then retry_after = 1 end
end

redis.call("HSET", key, "tokens", tokens, "last", now_ms)
redis.call("EXPIRE", key, ttl_seconds)

return {allowed, tostring(tokens), retry_after}
`)

// violationScript is the atomic increment-with-sliding-expiry primitive.
var violationScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
return count
`)

// RedisStore implements Store against a shared Redis instance.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) EvalBucket(ctx context.Context, key string, now time.Time, capacity, refillRate float64, ttl time.Duration) (Decision, error) {
	res, err := bucketScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), capacity, refillRate, int(ttl.Seconds())).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("bucket script: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return Decision{}, fmt.Errorf("bucket script: unexpected reply %v", res)
	}

	allowed, ok := reply[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("bucket script: bad allowed field %v", reply[0])
	}
	tokensStr, ok := reply[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("bucket script: bad tokens field %v", reply[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("bucket script: parse tokens %q: %w", tokensStr, err)
	}
	retryAfter, ok := reply[2].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("bucket script: bad retry_after field %v", reply[2])
	}

	return Decision{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: int(retryAfter),
	}, nil
}

func (s *RedisStore) IncrViolation(ctx context.Context, key string, window time.Duration) (int, error) {
	res, err := violationScript.Run(ctx, s.client, []string{key}, int(window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("violation script: %w", err)
	}
	return int(res), nil
}

func (s *RedisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) FlagTTL(ctx context.Context, key string) (bool, time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	switch d {
	case -2: // key does not exist
		return false, 0, nil
	case -1: // exists, no expiry
		return true, 0, nil
	default:
		return true, d, nil
	}
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
