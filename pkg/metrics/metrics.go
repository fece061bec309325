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
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	bridge     map[string]*BridgeStat
	uploads    UploadStat
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// BridgeStat counts forwarded calls for one route. Errors are keyed by bridge
// error kind; relayed upstream statuses are keyed by status class (2xx, 4xx...).
type BridgeStat struct {
	Calls          int64            `json:"calls"`
	Errors         map[string]int64 `json:"errors"`
	UpstreamStatus map[string]int64 `json:"upstream_status"`
}

type UploadStat struct {
	Accepted    int64 `json:"accepted"`
	MissingFile int64 `json:"missing_file"`
	StageFailed int64 `json:"stage_failed"`
	Bytes       int64 `json:"bytes"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Bridge      map[string]BridgeStat   `json:"bridge"`
	Uploads     UploadStat              `json:"uploads"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		bridge:     map[string]*BridgeStat{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
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

// ObserveBridge records one forwarded call. errKind is empty when the bridge
// answered; upstreamStatus is ignored in that case otherwise.
func (r *Registry) ObserveBridge(route, errKind string, upstreamStatus int, d time.Duration) {
	route = strings.TrimSpace(route)
	if route == "" {
		return
	}
	r.mu.Lock()
	stat, ok := r.bridge[route]
	if !ok {
		stat = &BridgeStat{Errors: map[string]int64{}, UpstreamStatus: map[string]int64{}}
		r.bridge[route] = stat
	}
	stat.Calls++
	if errKind != "" {
		stat.Errors[errKind]++
	} else {
		stat.UpstreamStatus[statusClass(upstreamStatus)]++
	}
	r.mu.Unlock()
	r.Histograms.ObserveDuration("bridge "+route, d)
}

func (r *Registry) IncUploadAccepted(bytes int64) {
	r.mu.Lock()
	r.uploads.Accepted++
	if bytes > 0 {
		r.uploads.Bytes += bytes
	}
	r.mu.Unlock()
}

func (r *Registry) IncUploadMissingFile() {
	r.mu.Lock()
	r.uploads.MissingFile++
	r.mu.Unlock()
}

func (r *Registry) IncUploadStageFailed() {
	r.mu.Lock()
	r.uploads.StageFailed++
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
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Bridge:      make(map[string]BridgeStat, len(r.bridge)),
		Uploads:     r.uploads,
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.bridge {
		cp := BridgeStat{
			Calls:          v.Calls,
			Errors:         make(map[string]int64, len(v.Errors)),
			UpstreamStatus: make(map[string]int64, len(v.UpstreamStatus)),
		}
		for ek, ev := range v.Errors {
			cp.Errors[ek] = ev
		}
		for sk, sv := range v.UpstreamStatus {
			cp.UpstreamStatus[sk] = sv
		}
		out.Bridge[k] = cp
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
		b.WriteString("# HELP astrograph_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE astrograph_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "astrograph_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP astrograph_endpoint_error_count total endpoint responses with status >= 400\n")
		b.WriteString("# TYPE astrograph_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "astrograph_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP astrograph_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE astrograph_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "astrograph_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP astrograph_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE astrograph_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "astrograph_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		b.WriteString("# HELP astrograph_bridge_calls_total bridge calls by route\n")
		b.WriteString("# TYPE astrograph_bridge_calls_total counter\n")
		for _, route := range SortedKeys(snap.Bridge) {
			fmt.Fprintf(b, "astrograph_bridge_calls_total{route=%q} %d\n", route, snap.Bridge[route].Calls)
		}
		b.WriteString("# HELP astrograph_bridge_errors_total bridge transport failures by route and kind\n")
		b.WriteString("# TYPE astrograph_bridge_errors_total counter\n")
		for _, route := range SortedKeys(snap.Bridge) {
			errs := snap.Bridge[route].Errors
			for _, kind := range SortedKeys(errs) {
				fmt.Fprintf(b, "astrograph_bridge_errors_total{route=%q,kind=%q} %d\n", route, kind, errs[kind])
			}
		}
		b.WriteString("# HELP astrograph_bridge_upstream_status_total relayed bridge answers by route and status class\n")
		b.WriteString("# TYPE astrograph_bridge_upstream_status_total counter\n")
		for _, route := range SortedKeys(snap.Bridge) {
			classes := snap.Bridge[route].UpstreamStatus
			for _, class := range SortedKeys(classes) {
				fmt.Fprintf(b, "astrograph_bridge_upstream_status_total{route=%q,class=%q} %d\n", route, class, classes[class])
			}
		}

		b.WriteString("# HELP astrograph_uploads_total upload requests by outcome\n")
		b.WriteString("# TYPE astrograph_uploads_total counter\n")
		fmt.Fprintf(b, "astrograph_uploads_total{outcome=%q} %d\n", "accepted", snap.Uploads.Accepted)
		fmt.Fprintf(b, "astrograph_uploads_total{outcome=%q} %d\n", "missing_file", snap.Uploads.MissingFile)
		fmt.Fprintf(b, "astrograph_uploads_total{outcome=%q} %d\n", "stage_failed", snap.Uploads.StageFailed)
		b.WriteString("# HELP astrograph_upload_bytes_total bytes staged from uploads\n")
		b.WriteString("# TYPE astrograph_upload_bytes_total counter\n")
		fmt.Fprintf(b, "astrograph_upload_bytes_total %d\n", snap.Uploads.Bytes)

		b.WriteString("# HELP astrograph_gauge operational gauge metrics\n")
		b.WriteString("# TYPE astrograph_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "astrograph_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP astrograph_latency_seconds latency histogram\n")
			b.WriteString("# TYPE astrograph_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "astrograph_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "astrograph_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "astrograph_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "astrograph_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "astrograph_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
