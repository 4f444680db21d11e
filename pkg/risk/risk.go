package risk

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

// Restriction tiers derived from an IP's recent violation count.
const (
	RestrictionNone          = "none"
	RestrictionThrottle      = "throttle"
	RestrictionThrottleHeavy = "throttle_heavy"
	RestrictionBlock         = "block"
)

// Violation kinds reported by other components.
const (
	KindHoneypot    = "honeypot"
	KindHardening   = "hardening"
	KindAuthFailure = "auth_failure"
	KindSignature   = "signature"
	KindRateLimit   = "rate_limit"
)

// Breakpoints are the fixed counter thresholds for each tier.
type Breakpoints struct {
	Throttle      int64
	ThrottleHeavy int64
	Block         int64
}

func DefaultBreakpoints() Breakpoints {
	return Breakpoints{Throttle: 5, ThrottleHeavy: 10, Block: 20}
}

// Scorer keeps a windowed violation counter per source IP. The score is
// never stored independently: it is recomputed from the backing counter
// on each read, so it decays naturally when the window expires.
type Scorer struct {
	Store       store.Store
	Window      time.Duration
	Breakpoints Breakpoints
	Whitelist   []*net.IPNet
}

func NewScorer(s store.Store, window time.Duration, bp Breakpoints) *Scorer {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if bp.Block <= 0 {
		bp = DefaultBreakpoints()
	}
	return &Scorer{Store: s, Window: window, Breakpoints: bp}
}

// ReportViolation bumps the IP's windowed counter and returns the new
// score. Whitelisted IPs are never scored.
func (s *Scorer) ReportViolation(ctx context.Context, ip, kind string) int64 {
	if s.isWhitelisted(ip) {
		return 0
	}
	weight := ViolationWeight(kind)
	var score int64
	for i := 0; i < weight; i++ {
		n, err := s.Store.Increment(ctx, store.RiskKey(ip), s.Window)
		if err != nil {
			// scoring is advisory; a broken store must not reject traffic
			return 0
		}
		score = n
	}
	return score
}

// Restriction derives the tier for an IP from its current score. Store
// outages fail open to none: availability of the protected service wins
// over this signal.
func (s *Scorer) Restriction(ctx context.Context, ip string) string {
	if s.isWhitelisted(ip) {
		return RestrictionNone
	}
	if blocked, err := s.Store.Get(ctx, store.TempBlockKey(ip)); err == nil && blocked != "" {
		return RestrictionBlock
	}
	score, found, err := store.GetInt(ctx, s.Store, store.RiskKey(ip))
	if err != nil || !found {
		return RestrictionNone
	}
	switch {
	case score >= s.Breakpoints.Block:
		return RestrictionBlock
	case score >= s.Breakpoints.ThrottleHeavy:
		return RestrictionThrottleHeavy
	case score >= s.Breakpoints.Throttle:
		return RestrictionThrottle
	default:
		return RestrictionNone
	}
}

// Score reads the current counter without deriving a tier.
func (s *Scorer) Score(ctx context.Context, ip string) int64 {
	score, _, err := store.GetInt(ctx, s.Store, store.RiskKey(ip))
	if err != nil {
		return 0
	}
	return score
}

// TempBlock blocks an IP outright for the given duration, independent of
// its running score. Returns false if the store rejected the write.
func (s *Scorer) TempBlock(ctx context.Context, ip string, d time.Duration) bool {
	if s.isWhitelisted(ip) || d <= 0 {
		return false
	}
	if err := s.Store.Set(ctx, store.TempBlockKey(ip), "1", d); err != nil {
		return false
	}
	return true
}

func (s *Scorer) isWhitelisted(ip string) bool {
	if len(s.Whitelist) == 0 {
		return false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, cidr := range s.Whitelist {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// ViolationWeight maps a violation kind to how hard it counts against
// the IP. Honeypot hits are unambiguous and jump straight past the
// first throttle tier.
func ViolationWeight(kind string) int {
	switch kind {
	case KindHoneypot:
		return 5
	case KindSignature:
		return 3
	case KindHardening:
		return 2
	default:
		return 1
	}
}
