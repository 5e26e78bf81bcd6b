// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for FastQ without depending on prometheus/client_golang.
//
// # Counter keys
//
// Every counter is keyed by its label values joined with a tab, so a single
// sync.Map holds all label combinations:
//
//	Published                    key = "topic"
//	Delivered / Completed        key = "topic\tsubscription"
//	LoopFailures                 key = "topic\tloop"
//	HTTPReqs                     key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt       key = "method\tpath"
//
// Per-topic gauges (last, persisted and first retained id, subscription and
// writer counts) are pulled at scrape time through Registry.Topics.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	if v, ok := lc.vals.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key, 0 if never incremented.
func (lc *labelCounter) Value(key string) int64 {
	if v, ok := lc.vals.Load(key); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// TopicGauge is a point-in-time reading of one topic.
type TopicGauge struct {
	Topic              string
	FirstRetainedID    int64
	LastMessageID      int64
	PersistedMessageID int64
	Subscriptions      int
	Writers            int
}

// Registry holds all FastQ application metrics. The zero value is ready to use.
type Registry struct {
	Published    labelCounter // messages accepted by a topic
	Delivered    labelCounter // messages pushed to subscribers
	Completed    labelCounter // messages acknowledged by subscribers
	Confirmed    labelCounter // writer confirmations sent, key = "topic"
	LoopFailures labelCounter // failed background loop iterations

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs)

	// Topics, when set, is called on every scrape to render per-topic gauges.
	Topics func() []TopicGauge
}

type counterFamily struct {
	name, help string
	c          *labelCounter
	labels     []string
}

func (r *Registry) families() []counterFamily {
	return []counterFamily{
		{"fastq_messages_published_total", "Total messages written to a topic", &r.Published, []string{"topic"}},
		{"fastq_messages_delivered_total", "Total messages pushed to subscribers", &r.Delivered, []string{"topic", "subscription"}},
		{"fastq_messages_completed_total", "Total messages completed by subscribers", &r.Completed, []string{"topic", "subscription"}},
		{"fastq_writer_confirmations_total", "Total cumulative confirmations sent to writers", &r.Confirmed, []string{"topic"}},
		{"fastq_loop_failures_total", "Failed background loop iterations", &r.LoopFailures, []string{"topic", "loop"}},
		{"fastq_http_requests_total", "Total HTTP requests by method, path, and status code", &r.HTTPReqs, []string{"method", "path", "status"}},
		{"fastq_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", &r.HTTPDurMs, []string{"method", "path"}},
		{"fastq_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", &r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the full exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	for _, f := range r.families() {
		writeFamily(&b, f.name, f.help, "counter", func(emit func(labels, val string)) {
			f.c.Each(func(key string, val int64) {
				emit(formatLabels(f.labels, strings.Split(key, "\t")), fmt.Sprintf("%d", val))
			})
		})
	}

	if r.Topics == nil {
		return b.String()
	}
	gauges := r.Topics()
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].Topic < gauges[j].Topic })
	gauge := func(name, help string, val func(TopicGauge) int64) {
		writeFamily(&b, name, help, "gauge", func(emit func(labels, val string)) {
			for _, g := range gauges {
				emit(fmt.Sprintf(`topic=%q`, g.Topic), fmt.Sprintf("%d", val(g)))
			}
		})
	}
	gauge("fastq_topic_last_message_id", "Highest message id assigned",
		func(g TopicGauge) int64 { return g.LastMessageID })
	gauge("fastq_topic_persisted_message_id", "Highest durably flushed message id",
		func(g TopicGauge) int64 { return g.PersistedMessageID })
	gauge("fastq_topic_first_retained_id", "Lowest message id still held in memory",
		func(g TopicGauge) int64 { return g.FirstRetainedID })
	gauge("fastq_topic_subscriptions", "Number of subscriptions",
		func(g TopicGauge) int64 { return int64(g.Subscriptions) })
	gauge("fastq_topic_writers", "Number of connected writers",
		func(g TopicGauge) int64 { return int64(g.Writers) })
	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes one metric family to b, skipping the header when the
// family has no samples.
func writeFamily(b *strings.Builder, name, help, typ string, fill func(emit func(labels, val string))) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func formatLabels(names, values []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(parts, ",")
}

// ─── Key builders ─────────────────────────────────────────────────────────────

// SubscriptionKey builds the key used by Delivered and Completed.
func SubscriptionKey(topic, subscription string) string {
	return topic + "\t" + subscription
}

// LoopKey builds the key used by LoopFailures.
func LoopKey(topic, loop string) string {
	return topic + "\t" + loop
}

// HTTPKey builds the key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the key used by HTTPDurMs and HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
