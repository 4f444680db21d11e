package mode

import (
	"context"
	"sync"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

// System-wide security modes, in escalation order.
const (
	Normal   = "normal"
	Elevated = "elevated"
	Lockdown = "lockdown"
)

func rank(mode string) int {
	switch mode {
	case Lockdown:
		return 2
	case Elevated:
		return 1
	default:
		return 0
	}
}

// Max returns the more severe of two modes.
func Max(a, b string) string {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Thresholds drive the computed mode. All are operator-tunable.
type Thresholds struct {
	// BurstWindow/BurstTrigger: this many temporary IP blocks inside
	// the window escalates straight to lockdown.
	BurstWindow  time.Duration
	BurstTrigger int64
	// ElevatedWindow/ElevatedTrigger: sustained high-risk event volume
	// that escalates to elevated.
	ElevatedWindow  time.Duration
	ElevatedTrigger int64
	// Cooldown holds an auto-lockdown before recomputing, so the mode
	// cannot flap during a sustained attack.
	Cooldown time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		BurstWindow:     30 * time.Second,
		BurstTrigger:    10,
		ElevatedWindow:  5 * time.Minute,
		ElevatedTrigger: 30,
		Cooldown:        10 * time.Minute,
	}
}

func (t Thresholds) withFloors() Thresholds {
	d := DefaultThresholds()
	if t.BurstWindow <= 0 {
		t.BurstWindow = d.BurstWindow
	}
	if t.BurstTrigger <= 0 {
		t.BurstTrigger = d.BurstTrigger
	}
	if t.ElevatedWindow <= 0 {
		t.ElevatedWindow = d.ElevatedWindow
	}
	if t.ElevatedTrigger <= 0 {
		t.ElevatedTrigger = d.ElevatedTrigger
	}
	if t.Cooldown <= 0 {
		t.Cooldown = d.Cooldown
	}
	return t
}

// Controller computes the effective system mode from rolling event
// volume. The only mutable flag it owns is the operator override, which
// can hold the mode up but never drags a computed escalation down.
type Controller struct {
	Store store.Store
	Audit audit.Emitter

	mu            sync.Mutex
	thresholds    Thresholds
	override      string
	cooldownUntil time.Time
	lastEffective string
	now           func() time.Time
}

func NewController(s store.Store, sink audit.Emitter, thresholds Thresholds) *Controller {
	return &Controller{
		Store:         s,
		Audit:         sink,
		thresholds:    thresholds.withFloors(),
		lastEffective: Normal,
		now:           time.Now,
	}
}

// SetThresholds swaps in freshly resolved settings.
func (c *Controller) SetThresholds(t Thresholds) {
	c.mu.Lock()
	c.thresholds = t.withFloors()
	c.mu.Unlock()
}

// Observe feeds an audit event into the rolling windows. Feed errors
// are swallowed: losing one sample never blocks a request.
func (c *Controller) Observe(ctx context.Context, evt audit.Event) {
	if evt.Type == audit.TypeModeChanged {
		// the controller's own transitions must not feed its inputs
		return
	}
	c.mu.Lock()
	t := c.thresholds
	c.mu.Unlock()
	switch {
	case evt.Type == audit.TypeIPBlocked:
		_, _ = c.Store.Increment(ctx, store.BlockBurstKey(), t.BurstWindow)
	case evt.RiskLevel == audit.RiskHigh:
		_, _ = c.Store.Increment(ctx, store.HighRiskKey(), t.ElevatedWindow)
	}
}

// Evaluate returns the effective mode: the computed value held up by
// cooldown hysteresis, then escalated by any operator override.
func (c *Controller) Evaluate(ctx context.Context) string {
	c.mu.Lock()
	t := c.thresholds
	override := c.override
	cooldownUntil := c.cooldownUntil
	now := c.now()
	c.mu.Unlock()

	var computed string
	if now.Before(cooldownUntil) {
		computed = Lockdown
	} else {
		computed = c.compute(ctx, t)
		if computed == Lockdown {
			c.mu.Lock()
			c.cooldownUntil = now.Add(t.Cooldown)
			c.mu.Unlock()
		}
	}
	effective := Max(computed, override)
	c.noteTransition(ctx, effective)
	return effective
}

func (c *Controller) compute(ctx context.Context, t Thresholds) string {
	blocks, _, err := store.GetInt(ctx, c.Store, store.BlockBurstKey())
	if err == nil && blocks >= t.BurstTrigger {
		return Lockdown
	}
	highRisk, _, err := store.GetInt(ctx, c.Store, store.HighRiskKey())
	if err == nil && highRisk >= t.ElevatedTrigger {
		return Elevated
	}
	return Normal
}

// Override pins the mode at least as high as the given value. Empty
// clears it. Returns false for an unknown mode name.
func (c *Controller) Override(ctx context.Context, mode string) bool {
	switch mode {
	case "", Normal, Elevated, Lockdown:
	default:
		return false
	}
	c.mu.Lock()
	c.override = mode
	c.mu.Unlock()
	if mode != "" {
		evt := audit.NewEvent(audit.TypeModeChanged, audit.RiskHigh, "")
		evt.Meta = map[string]any{"mode": mode, "source": "operator"}
		c.emit(ctx, evt)
	}
	return true
}

// CurrentOverride returns the operator-set mode, if any.
func (c *Controller) CurrentOverride() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.override
}

func (c *Controller) noteTransition(ctx context.Context, effective string) {
	c.mu.Lock()
	changed := effective != c.lastEffective
	c.lastEffective = effective
	c.mu.Unlock()
	if changed {
		evt := audit.NewEvent(audit.TypeModeChanged, audit.RiskHigh, "")
		evt.Meta = map[string]any{"mode": effective, "source": "computed"}
		c.emit(ctx, evt)
	}
}

func (c *Controller) emit(ctx context.Context, evt audit.Event) {
	if c.Audit != nil {
		c.Audit.Emit(ctx, evt)
	}
}
