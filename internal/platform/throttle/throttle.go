// Package throttle bounds model-call throughput. The Redis bucket is shared
// across worker processes; the in-process bucket serves single-node and test
// deployments.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "covenant/pkg/domain-errors"
)

const bucketKey = "throttle:model-calls"

// refillScript implements a token bucket: refill by elapsed time, spend one
// token if available. Returns 1 when the call is admitted, 0 when the bucket
// is empty. KEYS[1] holds the bucket state as two hash fields.
var refillScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'refreshed')
local tokens = tonumber(state[1])
local refreshed = tonumber(state[2])
if tokens == nil then
	tokens = burst
	refreshed = now
end

local elapsed = math.max(0, now - refreshed)
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'refreshed', now)
redis.call('EXPIRE', key, 120)
return allowed
`)

// RedisBucket is a Redis-backed token bucket. All workers drawing from the
// same Redis share one call budget.
type RedisBucket struct {
	client *redis.Client
	rate   float64 // tokens per second
	burst  int
	clock  func() time.Time
}

type RedisOption func(*RedisBucket)

func WithClock(clock func() time.Time) RedisOption {
	return func(b *RedisBucket) {
		b.clock = clock
	}
}

// NewRedisBucket constructs a shared token bucket admitting callsPerMinute
// sustained calls with the given burst capacity.
func NewRedisBucket(client *redis.Client, callsPerMinute, burst int, opts ...RedisOption) (*RedisBucket, error) {
	if client == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "throttle: redis client is required")
	}
	if callsPerMinute <= 0 {
		return nil, dErrors.New(dErrors.CodeInternal, "throttle: calls per minute must be positive")
	}
	if burst <= 0 {
		burst = 1
	}
	b := &RedisBucket{
		client: client,
		rate:   float64(callsPerMinute) / 60.0,
		burst:  burst,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Allow spends one token. A Redis failure admits the call: model quota errors
// are recoverable, a hard dependency on Redis for every call is not.
func (b *RedisBucket) Allow(ctx context.Context) error {
	now := float64(b.clock().UnixMicro()) / 1e6
	res, err := refillScript.Run(ctx, b.client, []string{bucketKey},
		b.rate, b.burst, now).Int()
	if err != nil {
		return nil
	}
	if res == 0 {
		return dErrors.New(dErrors.CodeRateLimited, "throttle: model call budget exhausted")
	}
	return nil
}

// Bucket is an in-process token bucket with the same admission semantics as
// RedisBucket.
type Bucket struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	tokens    float64
	refreshed time.Time
	clock     func() time.Time
}

type BucketOption func(*Bucket)

func WithBucketClock(clock func() time.Time) BucketOption {
	return func(b *Bucket) {
		b.clock = clock
	}
}

func NewBucket(callsPerMinute, burst int, opts ...BucketOption) (*Bucket, error) {
	if callsPerMinute <= 0 {
		return nil, dErrors.New(dErrors.CodeInternal, "throttle: calls per minute must be positive")
	}
	if burst <= 0 {
		burst = 1
	}
	b := &Bucket{
		rate:  float64(callsPerMinute) / 60.0,
		burst: float64(burst),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.tokens = b.burst
	b.refreshed = b.clock()
	return b, nil
}

func (b *Bucket) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	elapsed := now.Sub(b.refreshed).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed*b.rate)
	}
	b.refreshed = now

	if b.tokens < 1 {
		return dErrors.New(dErrors.CodeRateLimited, "throttle: model call budget exhausted")
	}
	b.tokens--
	return nil
}

// Unlimited admits every call. Used when throttling is disabled by config.
type Unlimited struct{}

func (Unlimited) Allow(context.Context) error { return nil }
