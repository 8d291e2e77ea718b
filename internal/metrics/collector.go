// Package metrics is a small Prometheus-text collector for relay counters,
// account gauges and latency histograms.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler serves WriteText over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		c.WriteText(&sb)
		_, _ = io.WriteString(w, sb.String())
	}
}

// WriteText renders every series in the Prometheus text exposition format.
// Series are sorted by name so scrapes diff cleanly.
func (c *MetricsCollector) WriteText(w io.Writer) {
	header(w, "relaybot_uptime_seconds", "Time since start in seconds", "gauge")
	fmt.Fprintf(w, "relaybot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	seen := make(map[string]bool)
	for _, ctr := range sortedValues[*Counter](&c.counters) {
		if !seen[ctr.name] {
			header(w, ctr.name, ctr.help, "counter")
			seen[ctr.name] = true
		}
		fmt.Fprintf(w, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	for _, g := range sortedValues[*Gauge](&c.gauges) {
		if !seen[g.name] {
			header(w, g.name, g.help, "gauge")
			seen[g.name] = true
		}
		fmt.Fprintf(w, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, h := range sortedValues[*Histogram](&c.histograms) {
		if !seen[h.name] {
			header(w, h.name, h.help, "histogram")
			seen[h.name] = true
		}
		h.writeText(w)
	}
}

// writeText emits cumulative buckets, the implicit +Inf bucket, count and
// sum.
func (h *Histogram) writeText(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bucket := h.name + "_bucket"
	for _, b := range h.buckets {
		if math.IsInf(b.le, 1) {
			continue
		}
		fmt.Fprintf(w, "%s %d\n", series(bucket, joinLabels(h.labels, fmt.Sprintf(`le="%g"`, b.le))), b.count)
	}
	fmt.Fprintf(w, "%s %d\n", series(bucket, joinLabels(h.labels, `le="+Inf"`)), h.count)
	fmt.Fprintf(w, "%s %d\n", series(h.name+"_count", h.labels), h.count)
	fmt.Fprintf(w, "%s %g\n", series(h.name+"_sum", h.labels), h.sum)
}

func header(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(labels, extra string) string {
	if labels == "" {
		return extra
	}
	return labels + "," + extra
}

// sortedValues returns the values of m ordered by key.
func sortedValues[T any](m *sync.Map) []T {
	var keys []string
	values := make(map[string]T)
	m.Range(func(k, v any) bool {
		key := k.(string)
		keys = append(keys, key)
		values[key] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, values[k])
	}
	return out
}

// --- Relay metrics ---

var (
	EventsReceived    = Collector.Counter("relaybot_events_received_total", "Inbound events received from account sessions", "")
	EventsRelayed     = Collector.Counter("relaybot_events_relayed_total", "Events delivered to the operator channel", "")
	EventsFiltered    = Collector.Counter("relaybot_events_filtered_total", "Events discarded by the filter step", "")
	EventsFailed      = Collector.Counter("relaybot_events_failed_total", "Events aborted or failed after send", "")
	AcksFailed        = Collector.Counter("relaybot_acks_failed_total", "Read acknowledgements that failed", "")
	RepliesRouted     = Collector.Counter("relaybot_replies_routed_total", "Operator replies dispatched to an account", "")
	RepliesDropped    = Collector.Counter("relaybot_replies_dropped_total", "Operator replies without a correlation entry", "")
	RetrievalTimeouts = Collector.Counter("relaybot_retrieval_timeouts_total", "Media retrievals that hit the time bound", "")
	ActiveAccounts    = Collector.Gauge("relaybot_active_accounts", "Accounts with a running session", "")

	RelayLatency = Collector.Histogram("relaybot_relay_latency_seconds", "Time from event receipt to correlation", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
)
