package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBounds are the upper bucket bounds in seconds. The gateway sits
// in front of the panel, so most samples land well under 100ms; the tail
// buckets exist to catch a struggling upstream.
var latencyBounds = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
}

// HistogramBucket is one cumulative bucket of a latency distribution.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram accumulates request latencies into fixed buckets. Counts are
// kept per-bucket and made cumulative only when a snapshot is taken.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds))}
}

// Observe records one latency sample. Samples above the last bound only
// contribute to the sum and total.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	idx := sort.SearchFloat64s(latencyBounds, sec)
	h.mu.Lock()
	h.sum += sec
	h.total++
	if idx < len(h.counts) {
		h.counts[idx]++
	}
	h.mu.Unlock()
}

// Percentile estimates the value at quantile q in [0, 1] as the upper
// bound of the bucket the target rank falls into.
func (h *Histogram) Percentile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantileOf(h.counts, h.total, q)
}

func quantileOf(counts []int64, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	rank := int64(q * float64(total))
	var seen int64
	for i, c := range counts {
		seen += c
		if seen >= rank {
			return latencyBounds[i]
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

// HistogramSnapshot is a point-in-time copy for exposition, with the
// buckets already cumulative the way Prometheus expects them.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(latencyBounds))
	var running int64
	for i, c := range h.counts {
		running += c
		buckets[i] = HistogramBucket{Le: latencyBounds[i], Count: running}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.total,
		P50:     quantileOf(h.counts, h.total, 0.50),
		P95:     quantileOf(h.counts, h.total, 0.95),
		P99:     quantileOf(h.counts, h.total, 0.99),
	}
}

// HistogramRegistry keys histograms by endpoint label.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram in stable name order.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.histograms))
	for name := range r.histograms {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]HistogramSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.Get(name).Snapshot())
	}
	return out
}
