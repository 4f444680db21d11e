package settings

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one consistent view of the live-tunable thresholds. A
// request resolves it once up front and never re-reads mid-flight.
type Snapshot struct {
	SignatureRequired bool
	MaxClockSkew      time.Duration
	ReplayWindow      time.Duration

	// rate-limit tiers per route class, requests per window
	LoginPerMinute  int
	APIPerMinute    int
	DaemonPerMinute int

	RiskWindow        time.Duration
	RiskThrottle      int64
	RiskThrottleHeavy int64
	RiskBlock         int64
	TempBlockDuration time.Duration

	BurstWindow     time.Duration
	BurstTrigger    int64
	ElevatedWindow  time.Duration
	ElevatedTrigger int64
	ModeCooldown    time.Duration

	IdempotencyTTL time.Duration
	WhitelistCIDRs []string
}

// Defaults are the shipped values; the durable store overrides them
// key by key.
func Defaults() Snapshot {
	return Snapshot{
		SignatureRequired: true,
		MaxClockSkew:      180 * time.Second,
		ReplayWindow:      300 * time.Second,
		LoginPerMinute:    5,
		APIPerMinute:      240,
		DaemonPerMinute:   600,
		RiskWindow:        10 * time.Minute,
		RiskThrottle:      5,
		RiskThrottleHeavy: 10,
		RiskBlock:         20,
		TempBlockDuration: 15 * time.Minute,
		BurstWindow:       30 * time.Second,
		BurstTrigger:      10,
		ElevatedWindow:    5 * time.Minute,
		ElevatedTrigger:   30,
		ModeCooldown:      10 * time.Minute,
		IdempotencyTTL:    24 * time.Hour,
	}
}

// Provider resolves the current snapshot. Implementations must be safe
// for concurrent use from every request goroutine.
type Provider interface {
	Current(ctx context.Context) Snapshot
}

// Static always returns the same snapshot; used in tests and as the
// fallback when no durable store is configured.
type Static struct{ Snapshot Snapshot }

func (s Static) Current(ctx context.Context) Snapshot { return s.Snapshot }

// Cached fronts a loader with a short-TTL cache so the durable store is
// never read on the hot path. A failed refresh serves the last good
// snapshot.
type Cached struct {
	Loader func(ctx context.Context) (Snapshot, error)
	TTL    time.Duration

	mu        sync.Mutex
	snapshot  Snapshot
	loaded    bool
	expiresAt time.Time
	now       func() time.Time
}

func NewCached(loader func(ctx context.Context) (Snapshot, error), ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{Loader: loader, TTL: ttl, now: time.Now}
}

func (c *Cached) Current(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.loaded && now.Before(c.expiresAt) {
		return c.snapshot
	}
	snap, err := c.Loader(ctx)
	if err != nil {
		if c.loaded {
			return c.snapshot
		}
		return Defaults()
	}
	c.snapshot = snap
	c.loaded = true
	c.expiresAt = now.Add(c.TTL)
	return snap
}

// Invalidate forces the next read to hit the loader; called after an
// operator updates a setting.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
