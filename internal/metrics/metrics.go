// Package metrics tracks gateway health counters: inbound messages by
// transport, dispatches and chunk deliveries, active sessions, and
// proactive sweep outcomes, exposed in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Collector holds all gateway metrics.
type Collector struct {
	inboundTotal    map[string]*atomic.Int64 // by transport
	droppedTotal    map[string]*atomic.Int64 // by drop reason
	dispatchesTotal atomic.Int64
	authRetries     atomic.Int64
	chunksDelivered atomic.Int64
	activeSessions  atomic.Int64
	proactiveSent   atomic.Int64
	proactiveFailed atomic.Int64
	mu              sync.RWMutex
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		inboundTotal: make(map[string]*atomic.Int64),
		droppedTotal: make(map[string]*atomic.Int64),
	}
}

func bump(mu *sync.RWMutex, m map[string]*atomic.Int64, key string) {
	mu.Lock()
	counter, ok := m[key]
	if !ok {
		counter = &atomic.Int64{}
		m[key] = counter
	}
	mu.Unlock()
	counter.Add(1)
}

// IncrementInbound records one inbound event accepted for processing on
// the given transport ("whatsapp" | "telegram").
func (c *Collector) IncrementInbound(transport string) { bump(&c.mu, c.inboundTotal, transport) }

// IncrementDropped records one inbound event dropped, tagged by the filter
// reason (the gateway records "unknown-session", "needs-repairing",
// "no-agent-resolved" and "unmapped-chat").
func (c *Collector) IncrementDropped(reason string) { bump(&c.mu, c.droppedTotal, reason) }

// IncrementDispatches records one successful agent dispatch.
func (c *Collector) IncrementDispatches() { c.dispatchesTotal.Add(1) }

// IncrementAuthRetries records one auth-retry-on-401 attempt.
func (c *Collector) IncrementAuthRetries() { c.authRetries.Add(1) }

// AddChunksDelivered adds n delivered outbound chunks.
func (c *Collector) AddChunksDelivered(n int) { c.chunksDelivered.Add(int64(n)) }

// SetActiveSessions sets the number of active sessions.
func (c *Collector) SetActiveSessions(count int) { c.activeSessions.Store(int64(count)) }

// IncrementProactiveSent records a delivered proactive digest.
func (c *Collector) IncrementProactiveSent() { c.proactiveSent.Add(1) }

// IncrementProactiveFailed records a failed proactive digest delivery.
func (c *Collector) IncrementProactiveFailed() { c.proactiveFailed.Add(1) }

func snapshot(mu *sync.RWMutex, m map[string]*atomic.Int64) map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v.Load()
	}
	return out
}

// WritePrometheus writes metrics in Prometheus text format.
func (c *Collector) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, "# HELP gateway_inbound_total Inbound events accepted by transport")
	fmt.Fprintln(w, "# TYPE gateway_inbound_total counter")
	inbound := snapshot(&c.mu, c.inboundTotal)
	for _, k := range sortedKeys(inbound) {
		fmt.Fprintf(w, "gateway_inbound_total{transport=%q} %d\n", k, inbound[k])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_dropped_total Inbound events dropped by reason")
	fmt.Fprintln(w, "# TYPE gateway_dropped_total counter")
	dropped := snapshot(&c.mu, c.droppedTotal)
	for _, k := range sortedKeys(dropped) {
		fmt.Fprintf(w, "gateway_dropped_total{reason=%q} %d\n", k, dropped[k])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_dispatches_total Successful agent dispatches")
	fmt.Fprintln(w, "# TYPE gateway_dispatches_total counter")
	fmt.Fprintf(w, "gateway_dispatches_total %d\n", c.dispatchesTotal.Load())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_auth_retries_total One-shot auth refresh attempts")
	fmt.Fprintln(w, "# TYPE gateway_auth_retries_total counter")
	fmt.Fprintf(w, "gateway_auth_retries_total %d\n", c.authRetries.Load())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_chunks_delivered_total Outbound chunks delivered")
	fmt.Fprintln(w, "# TYPE gateway_chunks_delivered_total counter")
	fmt.Fprintf(w, "gateway_chunks_delivered_total %d\n", c.chunksDelivered.Load())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_active_sessions Current active sessions")
	fmt.Fprintln(w, "# TYPE gateway_active_sessions gauge")
	fmt.Fprintf(w, "gateway_active_sessions %d\n", c.activeSessions.Load())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_proactive_sent_total Proactive digests delivered")
	fmt.Fprintln(w, "# TYPE gateway_proactive_sent_total counter")
	fmt.Fprintf(w, "gateway_proactive_sent_total %d\n", c.proactiveSent.Load())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP gateway_proactive_failed_total Proactive digest deliveries that failed")
	fmt.Fprintln(w, "# TYPE gateway_proactive_failed_total counter")
	fmt.Fprintf(w, "gateway_proactive_failed_total %d\n", c.proactiveFailed.Load())
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		c.WritePrometheus(w)
	}
}
