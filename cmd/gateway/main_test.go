package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/auth"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/hardening"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/idempotency"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/metrics"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/mode"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/ratelimit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/risk"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/settings"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/signature"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/stream"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/trust"
)

// recordingEmitter delivers events synchronously so tests observe a
// deterministic audit trail, and feeds the mode controller the same way
// the dispatcher sink does in production.
type recordingEmitter struct {
	mu       sync.Mutex
	events   []audit.Event
	observer func(ctx context.Context, evt audit.Event)
}

func (r *recordingEmitter) Emit(ctx context.Context, evt audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	if r.observer != nil {
		r.observer(ctx, evt)
	}
}

func (r *recordingEmitter) countOf(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) lastOf(eventType string) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return audit.Event{}, false
}

func newTestServer(t *testing.T, snap settings.Snapshot) (*Server, *recordingEmitter, http.Handler) {
	t.Helper()
	mem := store.NewMemoryStore()
	recorder := &recordingEmitter{}
	controller := mode.NewController(mem, recorder, mode.Thresholds{
		BurstWindow:     snap.BurstWindow,
		BurstTrigger:    snap.BurstTrigger,
		ElevatedWindow:  snap.ElevatedWindow,
		ElevatedTrigger: snap.ElevatedTrigger,
		Cooldown:        snap.ModeCooldown,
	})
	recorder.observer = controller.Observe

	scorer := risk.NewScorer(mem, snap.RiskWindow, risk.Breakpoints{
		Throttle:      snap.RiskThrottle,
		ThrottleHeavy: snap.RiskThrottleHeavy,
		Block:         snap.RiskBlock,
	})

	s := &Server{
		Store:               mem,
		Metrics:             metrics.NewRegistry(),
		Audit:               recorder,
		Filter:              hardening.NewFilter(),
		Risk:                scorer,
		Trust:               trust.NewAuthority(trust.NewMemoryCredentialStore(), recorder),
		Verifier:            signature.NewVerifier(mem),
		Mode:                controller,
		Idempotency:         idempotency.NewCache(mem, time.Hour),
		RateLimiter:         ratelimit.NewInMemory(),
		Settings:            settings.Static{Snapshot: snap},
		Events:              stream.NewHub(),
		AuthMode:            "off",
		MaxRequestBodyBytes: 1 << 20,
		TempBlockDuration:   snap.TempBlockDuration,
	}
	return s, recorder, s.router()
}

func mintTestToken(t *testing.T, secret, subject string, roles ...string) string {
	t.Helper()
	token, err := auth.MintHS256Token(secret, subject, roles, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) (code, msg string) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	code, _ = body["code"].(string)
	msg, _ = body["error"].(string)
	return code, msg
}

func TestHealthzBypassesPipeline(t *testing.T) {
	_, _, handler := newTestServer(t, settings.Defaults())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHardeningRejectsInjectionAttempts(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"sql or in query", http.MethodGet, "/api/servers?filter=%27%20or%201%3D1", ""},
		{"union select in query", http.MethodGet, "/api/users?q=union+select+password", ""},
		{"php tag in body", http.MethodPost, "/api/files/write", `{"content":"<?php system($_GET['c']); ?>"}`},
		{"nul byte in body", http.MethodPost, "/api/files/write", "{\"name\":\"a\x00b\"}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, recorder, handler := newTestServer(t, settings.Defaults())
			var body *strings.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tc.method, tc.target, body)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			code, _ := decodeErrorBody(t, rr)
			if code != "input_rejected" {
				t.Fatalf("code = %q", code)
			}
			if recorder.countOf(audit.TypeHardeningRejected) != 1 {
				t.Fatal("expected one hardening audit event")
			}
			if score := s.Risk.Score(context.Background(), "192.0.2.1"); score == 0 {
				t.Fatal("violation should raise the source risk score")
			}
		})
	}
}

func TestOrdinaryTrafficPasses(t *testing.T) {
	s, recorder, handler := newTestServer(t, settings.Defaults())
	s.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"servers":[]}`))
	})
	req := httptest.NewRequest(http.MethodGet, "/api/client/servers?page=2&per_page=50", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if recorder.countOf(audit.TypeHardeningRejected) != 0 {
		t.Fatal("clean request must not trip the filter")
	}
}

func TestOversizedBodyNeverReachesUpstream(t *testing.T) {
	s, _, handler := newTestServer(t, settings.Defaults())
	s.MaxRequestBodyBytes = 64
	upstreamCalls := 0
	s.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/files/write", strings.NewReader(strings.Repeat("x", 128)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	if upstreamCalls != 0 {
		t.Fatalf("rejected request must terminate the chain, upstream saw %d calls", upstreamCalls)
	}
}

func TestRiskEscalationBlocksSource(t *testing.T) {
	s, recorder, handler := newTestServer(t, settings.Defaults())
	attack := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/servers?q=union+select+1", nil)
		req.RemoteAddr = "203.0.113.50:4444"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	// hardening weight 2 per hit, block breakpoint 20
	for i := 0; i < 10; i++ {
		if rr := attack(); rr.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d", i+1, rr.Code)
		}
	}
	if got := s.Risk.Restriction(context.Background(), "203.0.113.50"); got != risk.RestrictionBlock {
		t.Fatalf("restriction = %q, want block", got)
	}
	if recorder.countOf(audit.TypeIPBlocked) != 1 {
		t.Fatalf("block event count = %d, want exactly 1", recorder.countOf(audit.TypeIPBlocked))
	}

	// even a clean request from the blocked source is refused
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.RemoteAddr = "203.0.113.50:4445"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked ip, got %d", rr.Code)
	}
	if code, _ := decodeErrorBody(t, rr); code != "ip_blocked" {
		t.Fatalf("code = %q", code)
	}

	// other sources are unaffected
	other := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	other.RemoteAddr = "198.51.100.9:1000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	if rr.Code == http.StatusForbidden {
		t.Fatal("unrelated source must not be blocked")
	}
}

func TestLoginRateLimitTier(t *testing.T) {
	snap := settings.Defaults()
	_, recorder, handler := newTestServer(t, snap)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"user":"root","password":"hunter2"}`))
		req.RemoteAddr = "198.51.100.20:2000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}
	for i := 1; i <= snap.LoginPerMinute; i++ {
		if rr := send(); rr.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rejected before limit", i)
		}
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the login tier, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if recorder.countOf(audit.TypeRateLimited) != 1 {
		t.Fatal("expected one rate-limit audit event")
	}
}

func TestLockdownGatesPanelTrafficOnly(t *testing.T) {
	_, _, handler := newTestServer(t, settings.Defaults())

	// operator escalation via the management surface
	req := httptest.NewRequest(http.MethodPut, "/v1/security/mode", strings.NewReader(`{"mode":"lockdown"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("override failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/client/servers", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 during lockdown, got %d", rr.Code)
	}
	if code, _ := decodeErrorBody(t, rr); code != "lockdown" {
		t.Fatalf("code = %q", code)
	}

	// health and management stay reachable
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay up, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/mode", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("mode endpoint must stay up, got %d", rr.Code)
	}

	// clearing the override restores service
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/security/mode", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear failed: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/client/servers", nil))
	if rr.Code == http.StatusServiceUnavailable {
		t.Fatal("lockdown should have lifted")
	}
}

func TestModeRejectsUnknownValue(t *testing.T) {
	_, _, handler := newTestServer(t, settings.Defaults())
	req := httptest.NewRequest(http.MethodPut, "/v1/security/mode", strings.NewReader(`{"mode":"panic"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestIdempotentReplay(t *testing.T) {
	s, _, handler := newTestServer(t, settings.Defaults())
	upstreamCalls := 0
	s.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/application/servers", strings.NewReader(`{"name":"web"}`))
		req.Header.Set(idempotency.Header, "create-web-1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first call: %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d", second.Code)
	}
	if second.Header().Get(idempotency.HitHeader) != "true" {
		t.Fatal("replay should be marked as a cache hit")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body %q != original %q", second.Body.String(), first.Body.String())
	}
	if upstreamCalls != 1 {
		t.Fatalf("upstream calls = %d, want 1", upstreamCalls)
	}
}

func TestIdempotencyScopesAreIndependent(t *testing.T) {
	s, _, handler := newTestServer(t, settings.Defaults())
	upstreamCalls := 0
	s.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	send := func(remote string) {
		req := httptest.NewRequest(http.MethodPost, "/api/application/users", strings.NewReader(`{"email":"a@b.c"}`))
		req.Header.Set(idempotency.Header, "same-key")
		req.RemoteAddr = remote
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	send("192.0.2.10:100")
	send("192.0.2.11:100")
	if upstreamCalls != 2 {
		t.Fatalf("different actors with the same key must both execute, got %d calls", upstreamCalls)
	}
}

func TestFailedResponsesAreNotReplayed(t *testing.T) {
	s, _, handler := newTestServer(t, settings.Defaults())
	upstreamCalls := 0
	s.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/application/servers", strings.NewReader(`{}`))
		req.Header.Set(idempotency.Header, "retry-after-failure")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if upstreamCalls != 2 {
		t.Fatalf("failed responses must not be cached, got %d calls", upstreamCalls)
	}
}

func TestProxyWithoutUpstream(t *testing.T) {
	_, _, handler := newTestServer(t, settings.Defaults())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/client", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 without upstream, got %d", rr.Code)
	}
}

func TestRouteClass(t *testing.T) {
	cases := map[string]string{
		"/api/remote/events": "daemon",
		"/auth/login":        "login",
		"/api/auth/login":    "login",
		"/api/client":        "api",
		"/":                  "api",
	}
	for path, want := range cases {
		if got := routeClass(path); got != want {
			t.Fatalf("routeClass(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestThrottledSourceGetsTighterTier(t *testing.T) {
	s, _, _ := newTestServer(t, settings.Defaults())
	snap := settings.Defaults()
	base := s.tierFor("/api/client", snap, risk.RestrictionNone, mode.Normal)
	throttled := s.tierFor("/api/client", snap, risk.RestrictionThrottle, mode.Normal)
	heavy := s.tierFor("/api/client", snap, risk.RestrictionThrottleHeavy, mode.Normal)
	elevated := s.tierFor("/api/client", snap, risk.RestrictionNone, mode.Elevated)
	if throttled.Limit != base.Limit/2 {
		t.Fatalf("throttle tier = %d, want %d", throttled.Limit, base.Limit/2)
	}
	if heavy.Limit != base.Limit/4 {
		t.Fatalf("heavy tier = %d, want %d", heavy.Limit, base.Limit/4)
	}
	if elevated.Limit != base.Limit/2 {
		t.Fatalf("elevated tier = %d, want %d", elevated.Limit, base.Limit/2)
	}
	daemon := s.tierFor("/api/remote/events", snap, risk.RestrictionNone, mode.Elevated)
	if daemon.Limit != snap.DaemonPerMinute {
		t.Fatalf("daemon tier must not shrink in elevated mode, got %d", daemon.Limit)
	}
}

func TestClientIPTrustsConfiguredProxiesOnly(t *testing.T) {
	s, _, _ := newTestServer(t, settings.Defaults())
	s.TrustedProxyCIDRs = parseCIDRs("10.0.0.0/8")

	req := httptest.NewRequest(http.MethodGet, "/api/client", nil)
	req.RemoteAddr = "10.1.2.3:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.77, 10.1.2.3")
	if got := s.clientIP(req); got != "203.0.113.77" {
		t.Fatalf("trusted proxy: got %q", got)
	}

	req.RemoteAddr = "198.51.100.5:9000"
	if got := s.clientIP(req); got != "198.51.100.5" {
		t.Fatalf("untrusted remote must not spoof via XFF, got %q", got)
	}
}

func TestOperatorBlockAndClearRisk(t *testing.T) {
	s, recorder, handler := newTestServer(t, settings.Defaults())

	req := httptest.NewRequest(http.MethodPost, "/v1/risk/203.0.113.99/block", strings.NewReader(`{"duration_sec":60,"reason":"abuse report"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("block: %d %s", rr.Code, rr.Body.String())
	}
	if got := s.Risk.Restriction(context.Background(), "203.0.113.99"); got != risk.RestrictionBlock {
		t.Fatalf("restriction = %q", got)
	}
	if recorder.countOf(audit.TypeIPBlocked) != 1 {
		t.Fatal("expected block audit event")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/risk/203.0.113.99", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear: %d", rr.Code)
	}
	if got := s.Risk.Restriction(context.Background(), "203.0.113.99"); got != risk.RestrictionNone {
		t.Fatalf("restriction after clear = %q", got)
	}
}

func TestAdminSurfaceRequiresRoleWhenAuthEnabled(t *testing.T) {
	s, _, _ := newTestServer(t, settings.Defaults())
	s.AuthMode = "hs256"
	s.AuthSecret = "operator-secret"
	handler := s.router()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/mode", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	token := mintTestToken(t, "operator-secret", "viewer", "viewer")
	req := httptest.NewRequest(http.MethodGet, "/v1/security/mode", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing role, got %d", rr.Code)
	}

	token = mintTestToken(t, "operator-secret", "ops", "securityadmin")
	req = httptest.NewRequest(http.MethodPut, "/v1/security/mode", strings.NewReader(`{"mode":"elevated"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for securityadmin, got %d %s", rr.Code, rr.Body.String())
	}
}
