// Package metrics provides Prometheus-compatible metrics for proctord.
//
// Metrics are grouped into families sharing a name; every member of a family
// carries its own label set. The registry renders the text exposition format
// and a flat JSON snapshot for the status command.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// MetricType represents the type of metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in exposition order.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.pairs() + "}"
}

func (l Labels) pairs() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(l[k])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return strings.Join(parts, ",")
}

// Counter is a monotonically increasing counter.
type Counter struct {
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	labels Labels
	value  atomic.Int64
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for latency histograms in seconds.
var DurationBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.ObserveDuration(time.Since(start))
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type family struct {
	name    string
	help    string
	typ     MetricType
	buckets []float64

	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// Registry holds all registered metrics.
type Registry struct {
	mu        sync.RWMutex
	families  map[string]*family
	namespace string
}

// NewRegistry creates a Registry whose metric names are prefixed with
// namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		families:  make(map[string]*family),
		namespace: namespace,
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func (r *Registry) family(name, help string, typ MetricType, buckets []float64) *family {
	full := r.fullName(name)
	f, ok := r.families[full]
	if !ok {
		f = &family{
			name:       full,
			help:       help,
			typ:        typ,
			buckets:    buckets,
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
		r.families[full] = f
	}
	if f.typ != typ {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", full, f.typ, typ))
	}
	return f
}

// Counter returns the counter for name and labels, registering it on first
// use.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.family(name, help, TypeCounter, nil)
	key := labels.String()
	if c, ok := f.counters[key]; ok {
		return c
	}
	c := &Counter{labels: labels}
	f.counters[key] = c
	return c
}

// Gauge returns the gauge for name and labels, registering it on first use.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.family(name, help, TypeGauge, nil)
	key := labels.String()
	if g, ok := f.gauges[key]; ok {
		return g
	}
	g := &Gauge{labels: labels}
	f.gauges[key] = g
	return g
}

// Histogram returns the histogram for name and labels, registering it on
// first use. Buckets are fixed by the first registration of the family.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	f := r.family(name, help, TypeHistogram, sorted)
	key := labels.String()
	if h, ok := f.histograms[key]; ok {
		return h
	}
	h := &Histogram{
		labels:  labels,
		buckets: f.buckets,
		counts:  make([]uint64, len(f.buckets)+1),
	}
	f.histograms[key] = h
	return h
}

func (r *Registry) sortedFamilies() []*family {
	out := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in the Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, f := range r.sortedFamilies() {
		fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.typ)

		switch f.typ {
		case TypeCounter:
			for _, k := range sortedKeys(f.counters) {
				fmt.Fprintf(&b, "%s%s %d\n", f.name, k, f.counters[k].Value())
			}
		case TypeGauge:
			for _, k := range sortedKeys(f.gauges) {
				fmt.Fprintf(&b, "%s%s %d\n", f.name, k, f.gauges[k].Value())
			}
		case TypeHistogram:
			for _, k := range sortedKeys(f.histograms) {
				writeHistogram(&b, f.name, f.histograms[k])
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, name string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := "{"
	if len(h.labels) > 0 {
		prefix = "{" + h.labels.pairs() + ","
	}
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(b, "%s_bucket%sle=\"%g\"} %d\n", name, prefix, bound, cumulative)
	}
	cumulative += h.counts[len(h.buckets)]
	fmt.Fprintf(b, "%s_bucket%sle=\"+Inf\"} %d\n", name, prefix, cumulative)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, h.labels.String(), h.sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, h.labels.String(), h.count)
}

// Snapshot returns a flat name{labels} to value map.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]float64)
	for _, f := range r.families {
		for k, c := range f.counters {
			out[f.name+k] = float64(c.Value())
		}
		for k, g := range f.gauges {
			out[f.name+k] = float64(g.Value())
		}
		for k, h := range f.histograms {
			out[f.name+"_count"+k] = float64(h.Count())
			out[f.name+"_sum"+k] = h.Sum()
		}
	}
	return out
}

// Handler serves the registry in the text exposition format, or as a JSON
// snapshot when the client asks for JSON.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.Contains(c.GetHeader("Accept"), "application/json") {
			c.JSON(200, r.Snapshot())
			return
		}
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.Status(200)
		_ = r.WritePrometheus(c.Writer)
	}
}
