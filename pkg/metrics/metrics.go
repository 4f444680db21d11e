package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	gauges         map[string]float64
	decisionReason map[string]int64
	restriction    map[string]int64
	daemonEvents   int64
	verifyLatency  VerifyLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt            string                  `json:"generated_at"`
	Endpoints              map[string]EndpointStat `json:"endpoints"`
	Decisions              map[string]int64        `json:"decisions"`
	Reasons                map[string]int64        `json:"reasons"`
	Gauges                 map[string]float64      `json:"gauges"`
	DecisionReason         map[string]int64        `json:"decision_reason"`
	RestrictionTotals      map[string]int64        `json:"restriction_totals"`
	DaemonEvents           int64                   `json:"daemon_events_total"`
	SignatureVerifyLatency VerifyLatencyStat       `json:"signature_verify_latency_ms"`
	Histograms             []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		reason:         map[string]int64{},
		gauges:         map[string]float64{},
		decisionReason: map[string]int64{},
		restriction:    map[string]int64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts a terminal outcome: allow, deny, quarantine.
func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncDecisionReason(decision, reason string) {
	decision = strings.TrimSpace(decision)
	reason = strings.TrimSpace(reason)
	if decision == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	key := decision + "|" + reason
	r.mu.Lock()
	r.decisionReason[key]++
	r.mu.Unlock()
}

// ObserveVerifyLatency records one HMAC verification, accepted or not.
func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

// IncRestriction counts a risk tier applied to a request.
func (r *Registry) IncRestriction(tier string) {
	tier = strings.TrimSpace(strings.ToLower(tier))
	if tier == "" {
		return
	}
	r.mu.Lock()
	r.restriction[tier]++
	r.mu.Unlock()
}

func (r *Registry) IncDaemonEvents() {
	r.mu.Lock()
	r.daemonEvents++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:         make(map[string]int64, len(r.decision)),
		Reasons:           make(map[string]int64, len(r.reason)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		DecisionReason:    make(map[string]int64, len(r.decisionReason)),
		RestrictionTotals: make(map[string]int64, len(r.restriction)),
		DaemonEvents:      r.daemonEvents,
		SignatureVerifyLatency: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReason[k] = v
	}
	for k, v := range r.restriction {
		out.RestrictionTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP hextyl_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE hextyl_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "hextyl_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP hextyl_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE hextyl_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "hextyl_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP hextyl_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE hextyl_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "hextyl_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP hextyl_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE hextyl_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "hextyl_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP hextyl_decision_total terminal outcomes by decision\n")
		b.WriteString("# TYPE hextyl_decision_total counter\n")
		for _, decision := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "hextyl_decision_total{decision=%q} %d\n", decision, snap.Decisions[decision])
		}
		b.WriteString("# HELP hextyl_reason_total denials by reason code\n")
		b.WriteString("# TYPE hextyl_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "hextyl_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP hextyl_gauge operational gauge metrics\n")
		b.WriteString("# TYPE hextyl_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "hextyl_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP hextyl_latency_seconds latency histogram\n")
			b.WriteString("# TYPE hextyl_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "hextyl_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "hextyl_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "hextyl_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "hextyl_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "hextyl_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "hextyl_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "hextyl_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP hextyl_decision_reason_total outcomes by decision and reason\n")
		b.WriteString("# TYPE hextyl_decision_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReason) {
			parts := strings.SplitN(key, "|", 2)
			decision := parts[0]
			reason := "unknown"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "hextyl_decision_reason_total{decision=%q,reason=%q} %d\n", decision, reason, snap.DecisionReason[key])
		}

		b.WriteString("# HELP hextyl_signature_verify_latency_ms HMAC verification latency in ms\n")
		b.WriteString("# TYPE hextyl_signature_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "hextyl_signature_verify_latency_ms{stat=%q} %d\n", "last", snap.SignatureVerifyLatency.LastMS)
		fmt.Fprintf(b, "hextyl_signature_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.SignatureVerifyLatency.AvgMS)
		fmt.Fprintf(b, "hextyl_signature_verify_latency_ms{stat=%q} %d\n", "max", snap.SignatureVerifyLatency.MaxMS)

		b.WriteString("# HELP hextyl_restriction_total risk restrictions applied by tier\n")
		b.WriteString("# TYPE hextyl_restriction_total counter\n")
		for _, tier := range SortedKeys(snap.RestrictionTotals) {
			fmt.Fprintf(b, "hextyl_restriction_total{tier=%q} %d\n", tier, snap.RestrictionTotals[tier])
		}

		b.WriteString("# HELP hextyl_daemon_events_total signed daemon event batches accepted\n")
		b.WriteString("# TYPE hextyl_daemon_events_total counter\n")
		fmt.Fprintf(b, "hextyl_daemon_events_total %d\n", snap.DaemonEvents)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
