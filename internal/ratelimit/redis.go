package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tokenrelay/llm-gateway/internal/config"
)

// RedisStore is a CounterStore backed by a shared Redis instance,
// satisfying the spec's "pluggable remote store" extension point so
// multiple gateway replicas can share one set of buckets. Each bucket is
// a Redis hash (remaining, last_refill in unix nanos); TryCharge's
// all-or-nothing semantics are achieved by doing the whole transaction
// inside one Lua script, which Redis executes atomically. True
// cross-key atomicity requires every key in one transaction to land on
// the same cluster slot; callers that shard across a Redis Cluster
// should hash-tag BucketKey.Provider into the key to guarantee that.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore dials the configured Redis instance.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("ratelimit: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{rdb: client}, nil
}

// chargeScript implements the same lazy-refill-then-debit rule as
// BucketState.refill/TryCharge, entirely within Redis so a multi-bucket
// charge is linearizable from every caller's point of view. KEYS are the
// bucket hash keys; ARGV is capacity_1..capacity_n, interval_seconds_1..
// interval_seconds_n, amount, now_unix_nanos (amount is identical across
// buckets in one charge, per PolicyResolver). Returns {0} on success or
// {1+failed_index, remaining, deficit} on the first
// insufficient bucket; nothing is mutated on failure.
var chargeScript = redis.NewScript(`
local n = #KEYS
local amount = tonumber(ARGV[2*n+1])
local now = tonumber(ARGV[2*n+2])
local remainings = {}
for i = 1, n do
  local capacity = tonumber(ARGV[i])
  local interval = tonumber(ARGV[n+i])
  local data = redis.call('HMGET', KEYS[i], 'remaining', 'last_refill')
  local remaining = tonumber(data[1])
  local last = tonumber(data[2])
  if remaining == nil then
    remaining = capacity
    last = now
  end
  if now > last and interval > 0 then
    local rate = capacity / interval
    local elapsed = (now - last) / 1000000000
    remaining = math.min(capacity, remaining + elapsed * rate)
  end
  remainings[i] = remaining
  if remaining < amount then
    local deficit = amount - remaining
    return {i, remaining, deficit}
  end
end
for i = 1, n do
  redis.call('HMSET', KEYS[i], 'remaining', remainings[i] - amount, 'last_refill', now)
  local interval = tonumber(ARGV[n+i])
  if interval > 0 then
    redis.call('EXPIRE', KEYS[i], interval * 2)
  end
end
return {0}
`)

// TryCharge implements CounterStore.
func (r *RedisStore) TryCharge(ctx context.Context, charges []BucketCharge, now time.Time) error {
	if len(charges) == 0 {
		return nil
	}
	keys := make([]string, len(charges))
	argv := make([]interface{}, 0, 2*len(charges)+2)
	for i, c := range charges {
		keys[i] = "bucket:" + c.Key.String()
	}
	for _, c := range charges {
		argv = append(argv, c.Spec.Capacity)
	}
	for _, c := range charges {
		argv = append(argv, int64(c.Spec.Interval.Seconds()))
	}
	argv = append(argv, charges[0].Amount, now.UnixNano())

	res, err := chargeScript.Run(ctx, r.rdb, keys, argv...).Slice()
	if err != nil {
		return fmt.Errorf("ratelimit: redis charge: %w", err)
	}
	failedIdx, _ := toInt64(res[0])
	if failedIdx == 0 {
		return nil
	}
	c := charges[failedIdx-1]
	remaining, _ := toFloat64(res[1])
	return &RateLimitedError{
		Key:        c.Key,
		RetryAfter: retryAfter(c.Spec, remaining, c.Amount),
		Remaining:  remaining,
	}
}

// Refund implements CounterStore.
func (r *RedisStore) Refund(ctx context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error {
	return r.adjust(ctx, key, spec, int64(amount), now)
}

// ForceDebit implements CounterStore.
func (r *RedisStore) ForceDebit(ctx context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error {
	return r.adjust(ctx, key, spec, -int64(amount), now)
}

var adjustScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local delta = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local data = redis.call('HMGET', KEYS[1], 'remaining', 'last_refill')
local remaining = tonumber(data[1])
local last = tonumber(data[2])
if remaining == nil then
  remaining = capacity
  last = now
end
if now > last and interval > 0 then
  local rate = capacity / interval
  local elapsed = (now - last) / 1000000000
  remaining = math.min(capacity, remaining + elapsed * rate)
end
remaining = remaining + delta
if remaining < 0 then remaining = 0 end
if remaining > capacity then remaining = capacity end
redis.call('HMSET', KEYS[1], 'remaining', remaining, 'last_refill', now)
if interval > 0 then
  redis.call('EXPIRE', KEYS[1], interval * 2)
end
return remaining
`)

func (r *RedisStore) adjust(ctx context.Context, key BucketKey, spec BucketSpec, delta int64, now time.Time) error {
	_, err := adjustScript.Run(ctx, r.rdb, []string{"bucket:" + key.String()},
		spec.Capacity, int64(spec.Interval.Seconds()), delta, now.UnixNano()).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: redis adjust: %w", err)
	}
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
