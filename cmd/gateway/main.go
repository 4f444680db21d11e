package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/auth"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/hardening"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/httpx"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/idempotency"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/metrics"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/mode"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/ratelimit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/risk"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/settings"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/signature"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/stream"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/telemetry"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/trust"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Store               store.Store
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Audit               audit.Emitter
	AuditLog            *audit.Writer
	Filter              *hardening.Filter
	Risk                *risk.Scorer
	Trust               *trust.Authority
	Verifier            *signature.Verifier
	Mode                *mode.Controller
	Idempotency         *idempotency.Cache
	RateLimiter         ratelimit.Limiter
	Settings            settings.Provider
	SettingsStore       *settings.PostgresStore
	SettingsCache       *settings.Cached
	Events              *stream.Hub
	Upstream            http.Handler
	HTTPClient          *http.Client
	AuthMode            string
	AuthSecret          string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	TempBlockDuration   time.Duration
	AlertWebhookURL     string
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory counters: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	counterStore := store.NewStore(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OPERATOR_AUTH_SECRET", Value: env("OPERATOR_AUTH_SECRET", "")},
			{Name: "CREDENTIAL_MASTER_KEY", Value: env("CREDENTIAL_MASTER_KEY", "")},
		},
	}); err != nil {
		return err
	}

	settingsStore := &settings.PostgresStore{DB: pool}
	settingsCache := settings.NewCached(settingsStore.Load, time.Second*time.Duration(envInt("SETTINGS_CACHE_TTL_SEC", 30)))
	snap := settingsCache.Current(ctx)

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	writer := &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}

	hub := stream.NewHub()
	reg := metrics.NewRegistry()

	s := &Server{
		DB:                  pool,
		Store:               counterStore,
		Redis:               redisClient,
		Metrics:             reg,
		AuditLog:            writer,
		Filter:              hardening.NewFilter(),
		Verifier:            signature.NewVerifier(counterStore),
		Idempotency:         idempotency.NewCache(counterStore, snap.IdempotencyTTL),
		Settings:            settingsCache,
		SettingsStore:       settingsStore,
		SettingsCache:       settingsCache,
		Events:              hub,
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
		AuthMode:            env("OPERATOR_AUTH_MODE", "hs256"),
		AuthSecret:          env("OPERATOR_AUTH_SECRET", ""),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		TempBlockDuration:   snap.TempBlockDuration,
		AlertWebhookURL:     env("ALERT_WEBHOOK_URL", ""),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	scorer := risk.NewScorer(counterStore, snap.RiskWindow, risk.Breakpoints{
		Throttle:      snap.RiskThrottle,
		ThrottleHeavy: snap.RiskThrottleHeavy,
		Block:         snap.RiskBlock,
	})
	scorer.Whitelist = parseCIDRs(strings.Join(snap.WhitelistCIDRs, ","))
	s.Risk = scorer

	sinks := []audit.Sink{
		audit.WriterSink{Writer: writer},
		stream.AuditSink{Hub: hub},
	}
	if brokers := env("AUDIT_KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := audit.NewKafkaPublisher(audit.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("AUDIT_KAFKA_TOPIC", "security-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		sinks = append(sinks, publisher)
	}

	controller := mode.NewController(counterStore, nil, mode.Thresholds{
		BurstWindow:     snap.BurstWindow,
		BurstTrigger:    snap.BurstTrigger,
		ElevatedWindow:  snap.ElevatedWindow,
		ElevatedTrigger: snap.ElevatedTrigger,
		Cooldown:        snap.ModeCooldown,
	})
	s.Mode = controller
	sinks = append(sinks, audit.FuncSink(func(ctx context.Context, evt audit.Event) error {
		controller.Observe(ctx, evt)
		return nil
	}))
	if s.AlertWebhookURL != "" {
		sinks = append(sinks, audit.FuncSink(s.notifyAlertWebhook))
	}
	dispatcher := audit.NewDispatcher(envInt("AUDIT_QUEUE_SIZE", 1024), sinks,
		audit.WithDropCounter(func() { reg.IncReason("audit_dropped") }))
	defer dispatcher.Close()
	s.Audit = dispatcher
	controller.Audit = dispatcher

	secretBox, err := trust.NewSecretBox([]byte(env("CREDENTIAL_MASTER_KEY", "")))
	if err != nil {
		return fmt.Errorf("credential master key: %w", err)
	}
	s.Trust = trust.NewAuthority(&trust.PostgresCredentialStore{DB: pool, Box: secretBox}, dispatcher)

	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient)
		} else {
			s.RateLimiter = ratelimit.NewInMemory()
		}
	}

	if upstream := strings.TrimSpace(env("UPSTREAM_URL", "")); upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil {
			return fmt.Errorf("upstream url: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			httpx.ErrorCode(w, http.StatusBadGateway, "upstream_unreachable", "upstream request failed")
		}
		s.Upstream = proxy
	}

	r := s.router()

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	adminRouter := chi.NewRouter()
	adminRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	adminRouter.Get("/metrics", s.Metrics.Handler())
	adminRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	adminRouter.Get("/security/mode", s.withRoles(s.getSecurityMode, auth.RoleAdmin, auth.RoleSecurityAdmin))
	adminRouter.Put("/security/mode", s.withRoles(s.putSecurityMode, auth.RoleSecurityAdmin))
	adminRouter.Delete("/security/mode", s.withRoles(s.clearSecurityMode, auth.RoleSecurityAdmin))
	adminRouter.Get("/risk/{ip}", s.withRoles(s.getRisk, auth.RoleAdmin, auth.RoleSecurityAdmin))
	adminRouter.Post("/risk/{ip}/block", s.withRoles(s.blockIP, auth.RoleSecurityAdmin))
	adminRouter.Delete("/risk/{ip}", s.withRoles(s.clearRisk, auth.RoleSecurityAdmin))
	adminRouter.Post("/nodes/{token_id}/quarantine", s.withRoles(s.quarantineNode, auth.RoleSecurityAdmin))
	adminRouter.Delete("/nodes/{token_id}/quarantine", s.withRoles(s.clearNodeQuarantine, auth.RoleSecurityAdmin))
	adminRouter.Get("/audit/events", s.withRoles(s.listAuditEvents, auth.RoleAdmin, auth.RoleSecurityAdmin))
	adminRouter.Get("/stream", s.withRoles(s.streamEvents, auth.RoleAdmin, auth.RoleSecurityAdmin))
	adminRouter.Get("/settings", s.withRoles(s.getSettings, auth.RoleAdmin, auth.RoleSecurityAdmin))
	adminRouter.Put("/settings", s.withRoles(s.putSetting, auth.RoleSecurityAdmin))
	r.Mount("/v1", adminRouter)

	// everything below goes through the defense pipeline
	r.Group(func(pr chi.Router) {
		pr.Use(s.defenseMiddleware)
		pr.Post("/api/remote/events", s.handleDaemonEvents)
		pr.HandleFunc("/*", s.handleProxy)
	})
	return r
}

// routeClass buckets a path into its rate-limit tier class.
func routeClass(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/remote/"):
		return "daemon"
	case strings.HasPrefix(path, "/auth/") || strings.HasPrefix(path, "/api/auth/"):
		return "login"
	default:
		return "api"
	}
}

func (s *Server) tierFor(path string, snap settings.Snapshot, restriction, securityMode string) ratelimit.Tier {
	class := routeClass(path)
	tier := ratelimit.Tier{Class: class, Window: time.Minute}
	switch class {
	case "daemon":
		tier.Limit = snap.DaemonPerMinute
	case "login":
		tier.Limit = snap.LoginPerMinute
	default:
		tier.Limit = snap.APIPerMinute
	}
	switch restriction {
	case risk.RestrictionThrottle:
		tier.Limit /= 2
	case risk.RestrictionThrottleHeavy:
		tier.Limit /= 4
	}
	if securityMode == mode.Elevated && class != "daemon" {
		tier.Limit /= 2
	}
	if tier.Limit < 1 {
		tier.Limit = 1
	}
	return tier
}

// defenseMiddleware runs the inbound checks in fixed order: temp-block
// and risk tier, system mode gate, rate limit, then payload hardening.
func (s *Server) defenseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snap := s.Settings.Current(ctx)
		ip := s.clientIP(r)

		restriction := s.Risk.Restriction(ctx, ip)
		if restriction != risk.RestrictionNone {
			s.Metrics.IncRestriction(restriction)
		}
		if restriction == risk.RestrictionBlock {
			s.deny(w, http.StatusForbidden, "ip_blocked", "access temporarily suspended")
			return
		}

		current := s.Mode.Evaluate(ctx)
		s.Metrics.SetGauge("security_mode", float64(modeGaugeValue(current)))
		if current == mode.Lockdown && !lockdownExempt(r.URL.Path) {
			evt := audit.NewEvent(audit.TypeLockdownDeny, audit.RiskMedium, ip)
			evt.Meta = map[string]any{"path": r.URL.Path}
			s.Audit.Emit(ctx, evt)
			s.deny(w, http.StatusServiceUnavailable, "lockdown", "service is in lockdown")
			return
		}

		if s.RateLimiter != nil {
			tier := s.tierFor(r.URL.Path, snap, restriction, current)
			decision := s.RateLimiter.Allow(ip, tier)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retryAfter := int(time.Until(decision.ResetAt) / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				evt := audit.NewEvent(audit.TypeRateLimited, audit.RiskLow, ip)
				evt.Meta = map[string]any{"class": tier.Class, "limit": tier.Limit}
				s.Audit.Emit(ctx, evt)
				s.reportViolation(ctx, ip, risk.KindRateLimit)
				s.deny(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}

		match, hit, handled := s.inspectRequest(w, r)
		if handled {
			// the body read already wrote a terminal response
			return
		}
		if hit {
			evt := audit.NewEvent(audit.TypeHardeningRejected, audit.RiskMedium, ip)
			evt.Meta = map[string]any{"rule": match.Rule, "sample": match.Sample}
			s.Audit.Emit(ctx, evt)
			s.reportViolation(ctx, ip, risk.KindHardening)
			s.deny(w, http.StatusBadRequest, "input_rejected", "request rejected")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// inspectRequest feeds the path, query, and body through the hardening
// filter. The body is re-buffered so downstream handlers still see it.
// handled is true when the body read failed and a terminal response was
// already written; the caller must not continue the chain.
func (s *Server) inspectRequest(w http.ResponseWriter, r *http.Request) (match hardening.Match, hit, handled bool) {
	samples := []string{r.URL.Path}
	if raw := r.URL.RawQuery; raw != "" {
		samples = append(samples, raw)
		if unescaped, err := url.QueryUnescape(raw); err == nil && unescaped != raw {
			samples = append(samples, unescaped)
		}
	}
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		body, ok := readRequestBody(w, r)
		if !ok {
			return hardening.Match{}, false, true
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		samples = append(samples, string(body))
	}
	match, hit = s.Filter.Inspect(samples...)
	return match, hit, false
}

// reportViolation scores the IP and applies a temp block when the score
// crosses the block breakpoint. The block event is emitted exactly at
// the crossing so the mode controller counts distinct blocks, not
// blocked requests.
func (s *Server) reportViolation(ctx context.Context, ip, kind string) {
	score := s.Risk.ReportViolation(ctx, ip, kind)
	evt := audit.NewEvent(audit.TypeRiskViolation, audit.RiskLow, ip)
	evt.Meta = map[string]any{"kind": kind, "score": score}
	s.Audit.Emit(ctx, evt)
	if score >= s.Risk.Breakpoints.Block && score-int64(risk.ViolationWeight(kind)) < s.Risk.Breakpoints.Block {
		if s.Risk.TempBlock(ctx, ip, s.tempBlockDuration(ctx)) {
			blockEvt := audit.NewEvent(audit.TypeIPBlocked, audit.RiskHigh, ip)
			blockEvt.Meta = map[string]any{"score": score}
			s.Audit.Emit(ctx, blockEvt)
		}
	}
}

func (s *Server) tempBlockDuration(ctx context.Context) time.Duration {
	if snap := s.Settings.Current(ctx); snap.TempBlockDuration > 0 {
		return snap.TempBlockDuration
	}
	return s.TempBlockDuration
}

// lockdownExempt paths stay reachable during lockdown so operators can
// see what is happening and daemons keep reporting.
func lockdownExempt(path string) bool {
	return path == "/healthz" ||
		strings.HasPrefix(path, "/v1/") ||
		strings.HasPrefix(path, "/api/remote/")
}

func modeGaugeValue(m string) int {
	switch m {
	case mode.Lockdown:
		return 2
	case mode.Elevated:
		return 1
	default:
		return 0
	}
}

func (s *Server) deny(w http.ResponseWriter, status int, code, msg string) {
	s.Metrics.IncDecision("deny")
	s.Metrics.IncReason(code)
	s.Metrics.IncDecisionReason("deny", code)
	httpx.ErrorCode(w, status, code, msg)
}

func (s *Server) notifyAlertWebhook(ctx context.Context, evt audit.Event) error {
	if evt.Type != audit.TypeModeChanged {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	status, err := httpx.PostJSON(ctx, s.HTTPClient, s.AlertWebhookURL, payload, httpx.DeliveryOptions{
		Retries: 1,
		Backoff: 100 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("alert webhook returned %d", status)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
