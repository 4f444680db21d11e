package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncDecision("allow")
	r.IncDecision("allow")
	r.IncReason("replay_detected")
	r.IncRestriction("throttle")
	r.IncDaemonEvents()
	r.SetGauge("security_mode", 2)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Decisions["allow"] != 2 {
		t.Fatalf("expected allow=2 got=%d", snap.Decisions["allow"])
	}
	if snap.Reasons["replay_detected"] != 1 {
		t.Fatalf("expected replay_detected=1 got=%d", snap.Reasons["replay_detected"])
	}
	if snap.RestrictionTotals["throttle"] != 1 {
		t.Fatalf("expected throttle=1 got=%d", snap.RestrictionTotals["throttle"])
	}
	if snap.DaemonEvents != 1 {
		t.Fatalf("expected daemon events=1 got=%d", snap.DaemonEvents)
	}
	if snap.Gauges["security_mode"] != 2 {
		t.Fatalf("expected gauge security_mode=2 got=%v", snap.Gauges["security_mode"])
	}
}

func TestDecisionReasonPairs(t *testing.T) {
	r := NewRegistry()
	r.IncDecisionReason("deny", "signature_mismatch")
	r.IncDecisionReason("deny", "signature_mismatch")
	r.IncDecisionReason("deny", "")
	r.IncDecisionReason("", "ignored")

	snap := r.Snapshot()
	if snap.DecisionReason["deny|signature_mismatch"] != 2 {
		t.Fatalf("unexpected pairs: %#v", snap.DecisionReason)
	}
	if snap.DecisionReason["deny|unknown"] != 1 {
		t.Fatalf("blank reason should map to unknown: %#v", snap.DecisionReason)
	}
	if len(snap.DecisionReason) != 2 {
		t.Fatalf("blank decision should be dropped: %#v", snap.DecisionReason)
	}
}

func TestVerifyLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveVerifyLatency(4 * time.Millisecond)
	r.ObserveVerifyLatency(10 * time.Millisecond)
	r.ObserveVerifyLatency(-1 * time.Millisecond)

	snap := r.Snapshot()
	if snap.SignatureVerifyLatency.Count != 3 {
		t.Fatalf("count = %d", snap.SignatureVerifyLatency.Count)
	}
	if snap.SignatureVerifyLatency.MaxMS != 10 {
		t.Fatalf("max = %d", snap.SignatureVerifyLatency.MaxMS)
	}
	if snap.SignatureVerifyLatency.LastMS != 0 {
		t.Fatalf("negative duration should clamp to zero, got %d", snap.SignatureVerifyLatency.LastMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/remote/events", 200, 12*time.Millisecond)
	r.Observe("POST /api/remote/events", 500, 20*time.Millisecond)
	r.IncDecision("allow")
	r.IncReason("clock_skew")
	r.IncRestriction("block")
	r.SetGauge("security_mode", 1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "hextyl_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "hextyl_decision_total{decision=\"allow\"} 1") {
		t.Fatalf("missing decision metric: %s", body)
	}
	if !strings.Contains(body, "hextyl_restriction_total{tier=\"block\"} 1") {
		t.Fatalf("missing restriction metric: %s", body)
	}
	if !strings.Contains(body, "hextyl_gauge{name=\"security_mode\"} 1.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("")
	r.IncReason("")
	r.IncRestriction("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
