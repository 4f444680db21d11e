package metrics

import (
	"testing"
	"time"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	t.Parallel()
	h := NewHistogram("POST /api/remote/events")
	h.Observe(2 * time.Millisecond)
	h.Observe(40 * time.Millisecond)
	h.Observe(40 * time.Millisecond)
	h.Observe(800 * time.Millisecond)

	snap := h.Snapshot()
	if snap.Count != 4 {
		t.Fatalf("count = %d, want 4", snap.Count)
	}
	if snap.Sum <= 0 {
		t.Fatal("sum should be positive")
	}
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Count != 4 {
		t.Fatalf("top bucket = %d, every sample must accumulate into it", last.Count)
	}
	var prev int64
	for _, b := range snap.Buckets {
		if b.Count < prev {
			t.Fatalf("bucket le=%v count %d below previous %d", b.Le, b.Count, prev)
		}
		prev = b.Count
	}
}

func TestHistogramOverflowSample(t *testing.T) {
	t.Parallel()
	h := NewHistogram("slow")
	h.Observe(30 * time.Second)

	snap := h.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("count = %d, want 1", snap.Count)
	}
	// above every bound, so no bucket holds it
	if top := snap.Buckets[len(snap.Buckets)-1].Count; top != 0 {
		t.Fatalf("top bucket = %d, want 0 for an overflow sample", top)
	}
}

func TestHistogramPercentileSplit(t *testing.T) {
	t.Parallel()
	h := NewHistogram("GET /api/client/servers")
	for i := 0; i < 95; i++ {
		h.Observe(3 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		h.Observe(2 * time.Second)
	}

	snap := h.Snapshot()
	if snap.P50 > 0.005 {
		t.Fatalf("p50 = %v, bulk of traffic sits in the fast buckets", snap.P50)
	}
	if snap.P99 < 1.0 {
		t.Fatalf("p99 = %v, the slow tail must surface", snap.P99)
	}
}

func TestHistogramEmpty(t *testing.T) {
	t.Parallel()
	h := NewHistogram("idle")
	if p := h.Percentile(0.99); p != 0 {
		t.Fatalf("empty p99 = %v, want 0", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 {
		t.Fatalf("count = %d, want 0", snap.Count)
	}
}

func TestHistogramRegistrySortedAndStable(t *testing.T) {
	t.Parallel()
	reg := NewHistogramRegistry()
	reg.ObserveDuration("POST /api/remote/events", 4*time.Millisecond)
	reg.ObserveDuration("GET /healthz", time.Millisecond)
	reg.ObserveDuration("GET /healthz", 2*time.Millisecond)

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("len = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "GET /healthz" || snaps[1].Name != "POST /api/remote/events" {
		t.Fatalf("snapshots must come back in name order, got %q then %q", snaps[0].Name, snaps[1].Name)
	}
	if reg.Get("GET /healthz") != reg.Get("GET /healthz") {
		t.Fatal("Get must return the same histogram for a name")
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram, got %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Fatalf("histogram count = %d, want 2", snap.Histograms[0].Count)
	}
}
