// Package metrics is a small Prometheus-compatible registry. It exposes
// counters, gauges, and histograms in the text exposition format from an
// http.Handler, without pulling in the full client library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are histogram buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only goes up.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge goes up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram records value distributions over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *Histogram {
	b := make([]float64, len(buckets))
	copy(b, buckets)
	sort.Float64s(b)
	return &Histogram{buckets: b, counts: make([]uint64, len(b))}
}

// Observe records v in its bucket.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			break
		}
	}
	h.mu.Unlock()
}

// Since observes the elapsed time since t, in seconds.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() ([]float64, []uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make([]uint64, len(h.counts))
	copy(c, h.counts)
	return h.buckets, c, h.sum, h.count
}

type metricType int

const (
	typeCounter metricType = iota
	typeGauge
	typeHistogram
)

func (t metricType) String() string {
	switch t {
	case typeCounter:
		return "counter"
	case typeGauge:
		return "gauge"
	default:
		return "histogram"
	}
}

// family groups every label combination of one metric name.
type family struct {
	typ     metricType
	help    string
	members map[string]any // label signature -> *Counter/*Gauge/*Histogram
}

// Registry holds named metric families.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

func (r *Registry) family(name string, typ metricType, help string) *family {
	f, ok := r.families[name]
	if !ok {
		f = &family{typ: typ, help: help, members: make(map[string]any)}
		r.families[name] = f
		r.order = append(r.order, name)
	}
	return f
}

// Labels formats label pairs as a signature like `k="v",k2="v2"`.
func Labels(kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	return b.String()
}

// Counter returns the counter for name with the given label pairs,
// creating it on first use.
func (r *Registry) Counter(name, help string, kvs ...string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.family(name, typeCounter, help)
	sig := Labels(kvs...)
	if c, ok := f.members[sig]; ok {
		return c.(*Counter)
	}
	c := &Counter{}
	f.members[sig] = c
	return c
}

// Gauge returns the gauge for name with the given label pairs.
func (r *Registry) Gauge(name, help string, kvs ...string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.family(name, typeGauge, help)
	sig := Labels(kvs...)
	if g, ok := f.members[sig]; ok {
		return g.(*Gauge)
	}
	g := &Gauge{}
	f.members[sig] = g
	return g
}

// Histogram returns the histogram for name with the given label pairs.
// Nil buckets means DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, kvs ...string) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.family(name, typeHistogram, help)
	sig := Labels(kvs...)
	if h, ok := f.members[sig]; ok {
		return h.(*Histogram)
	}
	h := newHistogram(buckets)
	f.members[sig] = h
	return h
}

// Render produces the text exposition format.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, name := range r.order {
		f := r.families[name]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, f.typ)

		sigs := make([]string, 0, len(f.members))
		for sig := range f.members {
			sigs = append(sigs, sig)
		}
		sort.Strings(sigs)

		for _, sig := range sigs {
			switch m := f.members[sig].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", name, braced(sig), m.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %d\n", name, braced(sig), m.Value())
			case *Histogram:
				buckets, counts, sum, count := m.snapshot()
				var cumulative uint64
				for i, bk := range buckets {
					cumulative += counts[i]
					fmt.Fprintf(&b, "%s_bucket%s %d\n", name, braced(joinSig(sig, fmt.Sprintf("le=%q", fmt.Sprintf("%g", bk)))), cumulative)
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", name, braced(joinSig(sig, `le="+Inf"`)), count)
				fmt.Fprintf(&b, "%s_sum%s %g\n", name, braced(sig), sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", name, braced(sig), count)
			}
		}
	}
	return b.String()
}

func braced(sig string) string {
	if sig == "" {
		return ""
	}
	return "{" + sig + "}"
}

func joinSig(sig, extra string) string {
	if sig == "" {
		return extra
	}
	return sig + "," + extra
}

// Handler serves the registry contents for scraping.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}
