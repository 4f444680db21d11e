package mode

import (
	"context"
	"testing"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

func testController(t *testing.T) (*Controller, *store.MemoryStore, *time.Time) {
	t.Helper()
	mem := store.NewMemoryStore()
	c := NewController(mem, nil, Thresholds{
		BurstWindow:     30 * time.Second,
		BurstTrigger:    3,
		ElevatedWindow:  5 * time.Minute,
		ElevatedTrigger: 5,
		Cooldown:        10 * time.Minute,
	})
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	return c, mem, &now
}

func blockEvent() audit.Event {
	return audit.NewEvent(audit.TypeIPBlocked, audit.RiskHigh, "203.0.113.1")
}

func highRiskEvent() audit.Event {
	return audit.NewEvent(audit.TypeSignatureRejected, audit.RiskHigh, "203.0.113.2")
}

func TestNormalByDefault(t *testing.T) {
	t.Parallel()
	c, _, _ := testController(t)
	if got := c.Evaluate(context.Background()); got != Normal {
		t.Fatalf("expected normal, got %q", got)
	}
}

func TestBurstTriggersLockdown(t *testing.T) {
	t.Parallel()
	c, _, _ := testController(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Observe(ctx, blockEvent())
	}
	if got := c.Evaluate(ctx); got != Lockdown {
		t.Fatalf("expected lockdown after burst, got %q", got)
	}
}

func TestSustainedHighRiskElevates(t *testing.T) {
	t.Parallel()
	c, _, _ := testController(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Observe(ctx, highRiskEvent())
	}
	if got := c.Evaluate(ctx); got != Elevated {
		t.Fatalf("expected elevated, got %q", got)
	}
}

func TestLockdownHysteresis(t *testing.T) {
	t.Parallel()
	c, mem, now := testController(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Observe(ctx, blockEvent())
	}
	if got := c.Evaluate(ctx); got != Lockdown {
		t.Fatalf("expected lockdown, got %q", got)
	}
	// burst counters expire but the cooldown holds the mode up
	_ = mem.Del(ctx, store.BlockBurstKey())
	for i := 0; i < 5; i++ {
		if got := c.Evaluate(ctx); got != Lockdown {
			t.Fatalf("evaluation %d during cooldown: got %q", i, got)
		}
	}
	// after cooldown with no new burst the mode recomputes from inputs
	*now = now.Add(11 * time.Minute)
	if got := c.Evaluate(ctx); got != Normal {
		t.Fatalf("expected normal after cooldown, got %q", got)
	}
}

func TestOperatorOverrideEscalates(t *testing.T) {
	t.Parallel()
	c, _, _ := testController(t)
	ctx := context.Background()

	if !c.Override(ctx, Lockdown) {
		t.Fatal("override rejected")
	}
	if got := c.Evaluate(ctx); got != Lockdown {
		t.Fatalf("expected operator lockdown, got %q", got)
	}
	// computed escalation is never silently downgraded by a lower override
	c2, _, _ := testController(t)
	for i := 0; i < 3; i++ {
		c2.Observe(ctx, blockEvent())
	}
	if !c2.Override(ctx, Normal) {
		t.Fatal("override rejected")
	}
	if got := c2.Evaluate(ctx); got != Lockdown {
		t.Fatalf("override must not mask computed lockdown, got %q", got)
	}
}

func TestOverrideValidation(t *testing.T) {
	t.Parallel()
	c, _, _ := testController(t)
	if c.Override(context.Background(), "panic") {
		t.Fatal("unknown mode accepted")
	}
	if !c.Override(context.Background(), "") {
		t.Fatal("clearing the override must be allowed")
	}
}

func TestObserveIgnoresOwnTransitions(t *testing.T) {
	t.Parallel()
	c, mem, _ := testController(t)
	ctx := context.Background()
	evt := audit.NewEvent(audit.TypeModeChanged, audit.RiskHigh, "")
	for i := 0; i < 50; i++ {
		c.Observe(ctx, evt)
	}
	if n, found, _ := store.GetInt(ctx, mem, store.HighRiskKey()); found && n > 0 {
		t.Fatalf("mode transitions fed back into the window: %d", n)
	}
}

func TestMax(t *testing.T) {
	t.Parallel()
	if Max(Normal, Lockdown) != Lockdown || Max(Lockdown, Normal) != Lockdown {
		t.Fatal("lockdown must dominate")
	}
	if Max(Elevated, Normal) != Elevated {
		t.Fatal("elevated must dominate normal")
	}
}
