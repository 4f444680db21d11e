package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

// rateLimitScript increments and arms the window TTL atomically so two
// concurrent callers can never both observe count 1.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter enforces tiers against Redis and falls back to the
// in-memory limiter when Redis is unreachable. Rate limiting fails
// open: a broken limiter must not take the panel down with it.
type RedisLimiter struct {
	Client   *redis.Client
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{Client: client, Fallback: NewInMemory()}
}

func (l *RedisLimiter) Allow(key string, tier Tier) Decision {
	tier = withFloors(tier)
	if l.Client == nil {
		return l.fallback(key, tier)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	redisKey := store.RateKey(tier.Class, key)
	res, err := rateLimitScript.Run(ctx, l.Client, []string{redisKey}, tier.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(key, tier)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, tier)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = tier.Window.Milliseconds()
	}
	remaining := tier.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= tier.Limit,
		Count:     int(count),
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *RedisLimiter) fallback(key string, tier Tier) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(store.RateKey(tier.Class, key), tier)
	}
	return Decision{Allowed: true, Limit: tier.Limit, Remaining: tier.Limit, ResetAt: time.Now().UTC().Add(tier.Window)}
}
