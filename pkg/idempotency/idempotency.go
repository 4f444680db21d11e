package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

// Header carried on mutating requests, echoed with a hit marker on
// cached replays.
const (
	Header    = "Idempotency-Key"
	HitHeader = "X-Idempotency-Hit"
)

const DefaultTTL = 24 * time.Hour

// Record is the replayable first response for one (actor, key) pair.
// It is written once and never updated in place.
type Record struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Cache gives mutating endpoints at-most-once semantics across retries.
// Both lookup and store fail open: when the backing store is down, the
// request simply executes for real.
type Cache struct {
	Store store.Store
	TTL   time.Duration
}

func NewCache(s store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{Store: s, TTL: ttl}
}

// Lookup returns the cached first response for (scope, key), if any.
// Scope is the acting user ID, or the client IP for anonymous calls.
func (c *Cache) Lookup(ctx context.Context, scope, key string) (*Record, bool) {
	if key == "" {
		return nil, false
	}
	raw, err := c.Store.Get(ctx, store.IdempotencyKey(scope, key))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Remember stores the response for future replays, but only when the
// wrapped call succeeded and the body is valid JSON. Failed or non-JSON
// responses are never cached so their retries execute for real. The
// write is claim-style: a concurrent duplicate cannot overwrite the
// first stored response.
func (c *Cache) Remember(ctx context.Context, scope, key string, statusCode int, body []byte) bool {
	if key == "" || statusCode < 200 || statusCode >= 300 {
		return false
	}
	if !json.Valid(body) {
		return false
	}
	rec := Record{
		StatusCode: statusCode,
		Body:       json.RawMessage(body),
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	won, err := c.Store.SetNX(ctx, store.IdempotencyKey(scope, key), string(payload), c.TTL)
	if err != nil {
		return false
	}
	return won
}
