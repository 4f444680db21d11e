package ratelimit

import (
	"sync"
	"time"
)

// Tier is a fixed-window admission budget for one route class.
type Tier struct {
	Class  string
	Limit  int
	Window time.Duration
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per key inside a tier's fixed window.
type Limiter interface {
	Allow(key string, tier Tier) Decision
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry)}
}

func (l *InMemoryLimiter) Allow(key string, tier Tier) Decision {
	tier = withFloors(tier)
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(tier.Window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := tier.Limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= tier.Limit,
		Count:     curr.count,
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func withFloors(tier Tier) Tier {
	if tier.Limit <= 0 {
		tier.Limit = 1
	}
	if tier.Window <= 0 {
		tier.Window = time.Minute
	}
	return tier
}
