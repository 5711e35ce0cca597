// Package ratelimit meters processing requests per caller with a token
// bucket kept in Redis, so every API replica spends from one budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "visionx:ratelimit"

// Decision is the outcome of spending cost tokens from one bucket.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// spendScript refills the bucket for the time elapsed since its last update
// and then tries to take ARGV[4] tokens. It returns
// {allowed, remaining, retry_after_ms}.
var spendScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "updated_ms")
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

if now > updated then
  tokens = math.min(capacity, tokens + (now - updated) * rate)
end

local allowed = 0
local wait = 0
if cost <= tokens then
  tokens = tokens - cost
  allowed = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated_ms", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, math.floor(tokens), wait}
`)

// ErrCostExceedsCapacity is returned when a single request could never fit
// in the bucket.
var ErrCostExceedsCapacity = errors.New("request cost exceeds bucket capacity")

type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	idleTTL   time.Duration
	keyPrefix string
	now       func() time.Time
}

// NewRedisTokenBucket allows capacity tokens per window for each subject,
// refilled continuously.
func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("redis client is required")
	case capacity <= 0:
		return nil, fmt.Errorf("capacity must be positive")
	case window <= 0:
		return nil, fmt.Errorf("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		perMS:     float64(capacity) / float64(max(1, window.Milliseconds())),
		idleTTL:   2 * window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

// Allow spends one token.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN spends cost tokens from subject's bucket. A cost above the bucket
// capacity is rejected without touching Redis.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.capacity {
		return Decision{Limit: l.capacity}, fmt.Errorf("%w: cost=%d capacity=%d", ErrCostExceedsCapacity, cost, l.capacity)
	}

	reply, err := spendScript.Run(ctx, l.client, []string{l.Key(subject)},
		l.capacity,
		l.perMS,
		l.now().UnixMilli(),
		cost,
		l.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("spend tokens: %w", err)
	}
	return decisionFrom(l.capacity, reply)
}

func decisionFrom(capacity int64, reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("spend tokens: expected 3 values, got %d", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      capacity,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// Key is the Redis hash holding subject's bucket. Blank subjects share the
// anonymous bucket.
func (l *RedisTokenBucket) Key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}
