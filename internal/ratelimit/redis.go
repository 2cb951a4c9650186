package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter for KEYS[1] unless the budget
// ARGV[1] is spent. The first increment of a window sets its expiry to
// ARGV[2] milliseconds. Returns {allowed, count, ttl_ms}.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local budget = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= budget then
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		redis.call('PEXPIRE', key, window_ms)
		ttl = window_ms
	end
	return {0, count, ttl}
end

count = redis.call('INCR', key)
local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window_ms)
	ttl = window_ms
end
return {1, count, ttl}
`)

// RedisStore shares counters between proxy instances. Window expiry is
// driven by Redis key TTLs, so instances need not agree on wall time.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore creates a store keyed under prefix (default "ratelimit:").
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) TryConsume(ctx context.Context, key string, budget int, window time.Duration, now time.Time) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, budget, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("running rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	return Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		ResetAt: now.Add(ttl),
	}, nil
}
