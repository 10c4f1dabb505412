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

// Registry collects in-process counters for the gateway. It is deliberately
// dependency-free: /api/metrics serves a JSON snapshot and /metrics/prometheus
// serves a text exposition built from the same numbers.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	proxyOutcome    map[string]int64
	controlVerb     map[string]int64
	gauges          map[string]float64
	upstreamLatency UpstreamLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// UpstreamLatencyStat tracks round trips to the controlled application.
type UpstreamLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	ProxyOutcomes     map[string]int64        `json:"proxy_outcomes"`
	ControlVerbs      map[string]int64        `json:"control_verbs"`
	Gauges            map[string]float64      `json:"gauges"`
	UpstreamLatencyMS UpstreamLatencyStat     `json:"upstream_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		proxyOutcome: map[string]int64{},
		controlVerb:  map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
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

// IncProxyOutcome counts a proxied call by outcome: "ok", "rejected",
// "unreachable", "parameter_missing".
func (r *Registry) IncProxyOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.proxyOutcome[outcome]++
	r.mu.Unlock()
}

// IncControlVerb counts a control-surface operation by verb ("set_tempo",
// "connect_clip", ...).
func (r *Registry) IncControlVerb(verb string) {
	verb = strings.TrimSpace(verb)
	if verb == "" {
		return
	}
	r.mu.Lock()
	r.controlVerb[verb]++
	r.mu.Unlock()
}

func (r *Registry) ObserveUpstreamLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreamLatency.Count++
	r.upstreamLatency.TotalMS += ms
	r.upstreamLatency.LastMS = ms
	if ms > r.upstreamLatency.MaxMS {
		r.upstreamLatency.MaxMS = ms
	}
	r.upstreamLatency.AvgMS = float64(r.upstreamLatency.TotalMS) / float64(r.upstreamLatency.Count)
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
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		ProxyOutcomes: make(map[string]int64, len(r.proxyOutcome)),
		ControlVerbs:  make(map[string]int64, len(r.controlVerb)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		UpstreamLatencyMS: UpstreamLatencyStat{
			Count:   r.upstreamLatency.Count,
			TotalMS: r.upstreamLatency.TotalMS,
			MaxMS:   r.upstreamLatency.MaxMS,
			LastMS:  r.upstreamLatency.LastMS,
			AvgMS:   r.upstreamLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.proxyOutcome {
		out.ProxyOutcomes[k] = v
	}
	for k, v := range r.controlVerb {
		out.ControlVerbs[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
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
		b.WriteString("# HELP resofleur_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE resofleur_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "resofleur_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP resofleur_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE resofleur_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "resofleur_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP resofleur_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE resofleur_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "resofleur_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP resofleur_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE resofleur_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "resofleur_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP resofleur_proxy_outcome_total proxied calls by outcome\n")
		b.WriteString("# TYPE resofleur_proxy_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.ProxyOutcomes) {
			fmt.Fprintf(b, "resofleur_proxy_outcome_total{outcome=%q} %d\n", outcome, snap.ProxyOutcomes[outcome])
		}
		b.WriteString("# HELP resofleur_control_verb_total control operations by verb\n")
		b.WriteString("# TYPE resofleur_control_verb_total counter\n")
		for _, verb := range SortedKeys(snap.ControlVerbs) {
			fmt.Fprintf(b, "resofleur_control_verb_total{verb=%q} %d\n", verb, snap.ControlVerbs[verb])
		}
		b.WriteString("# HELP resofleur_gauge operational gauge metrics\n")
		b.WriteString("# TYPE resofleur_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "resofleur_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP resofleur_latency_seconds latency histogram\n")
			b.WriteString("# TYPE resofleur_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "resofleur_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "resofleur_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "resofleur_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "resofleur_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "resofleur_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "resofleur_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "resofleur_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP resofleur_upstream_latency_ms round-trip latency to the controlled application in ms\n")
		b.WriteString("# TYPE resofleur_upstream_latency_ms gauge\n")
		fmt.Fprintf(b, "resofleur_upstream_latency_ms{stat=%q} %d\n", "last", snap.UpstreamLatencyMS.LastMS)
		fmt.Fprintf(b, "resofleur_upstream_latency_ms{stat=%q} %.3f\n", "avg", snap.UpstreamLatencyMS.AvgMS)
		fmt.Fprintf(b, "resofleur_upstream_latency_ms{stat=%q} %d\n", "max", snap.UpstreamLatencyMS.MaxMS)

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
