package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	xerrors "OpenLLM-Relay/internal/errors"
)

// costPer1KTokens is the blended price used for the cost estimate in Summary.
const costPer1KTokens = 0.03

const latencyWindow = 1024

// Operation labels.
const (
	OpComplete = "complete"
	OpExtract  = "extract"
)

// Cache result labels.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheReadError  = "read_error"
	CacheWriteError = "write_error"
)

// Recorder aggregates relay metrics. It registers Prometheus collectors on a
// private registry and keeps a small in-process window for Summary. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
	cache       *prometheus.CounterVec
	httpReqs    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec

	mu         sync.Mutex
	total      int64
	succeeded  int64
	failed     int64
	tokenTotal int64
	errorCount map[string]int64
	cacheHits  int64
	cacheMiss  int64
	samples    []time.Duration
	next       int
}

// NewRecorder builds a recorder with every collector registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_completion_requests_total",
			Help: "Remote completion calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Failures by error code.",
		}, []string{"code"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens consumed by model.",
		}, []string{"model"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_completion_duration_seconds",
			Help:    "Remote completion latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}, []string{"operation"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Retry attempts scheduled after transient failures.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_results_total",
			Help: "Cache lookups and writes by result.",
		}, []string{"result"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests processed by the relay API.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		errorCount: make(map[string]int64),
		samples:    make([]time.Duration, 0, latencyWindow),
	}
	r.registry.MustRegister(r.requests, r.errors, r.tokens, r.latency, r.retries, r.cache, r.httpReqs, r.httpLatency)
	return r
}

// Registry exposes the underlying registry so callers can add collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveCompletion records one remote call.
func (r *Recorder) ObserveCompletion(operation, model string, tokens int, latency time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		r.errors.WithLabelValues(string(xerrors.CodeOf(err))).Inc()
	}
	r.requests.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(latency.Seconds())
	if tokens > 0 {
		if model == "" {
			model = "unknown"
		}
		r.tokens.WithLabelValues(model).Add(float64(tokens))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if err != nil {
		r.failed++
		r.errorCount[string(xerrors.CodeOf(err))]++
	} else {
		r.succeeded++
	}
	r.tokenTotal += int64(tokens)
	if len(r.samples) < latencyWindow {
		r.samples = append(r.samples, latency)
	} else {
		r.samples[r.next] = latency
		r.next = (r.next + 1) % latencyWindow
	}
}

// ObserveError counts a failure that did not come from a remote call, such as
// an extraction parse error.
func (r *Recorder) ObserveError(err error) {
	if r == nil || err == nil {
		return
	}
	code := string(xerrors.CodeOf(err))
	r.errors.WithLabelValues(code).Inc()
	r.mu.Lock()
	r.errorCount[code]++
	r.mu.Unlock()
}

// ObserveRetry counts one scheduled retry.
func (r *Recorder) ObserveRetry() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

// ObserveCache counts one cache lookup or write result.
func (r *Recorder) ObserveCache(result string) {
	if r == nil {
		return
	}
	r.cache.WithLabelValues(result).Inc()
	r.mu.Lock()
	switch result {
	case CacheHit:
		r.cacheHits++
	case CacheMiss:
		r.cacheMiss++
	}
	r.mu.Unlock()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpReqs.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Summary is the dashboard view served by the stats endpoint.
type Summary struct {
	TotalRequests    int64            `json:"total_requests"`
	Succeeded        int64            `json:"succeeded"`
	Failed           int64            `json:"failed"`
	SuccessRate      float64          `json:"success_rate"`
	AvgLatencyMS     float64          `json:"avg_latency_ms"`
	P95LatencyMS     float64          `json:"p95_latency_ms"`
	TotalTokens      int64            `json:"total_tokens"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	Errors           map[string]int64 `json:"errors,omitempty"`
}

// Summary returns aggregate counters plus average and p95 latency over the
// most recent calls.
func (r *Recorder) Summary() Summary {
	if r == nil {
		return Summary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		TotalRequests:    r.total,
		Succeeded:        r.succeeded,
		Failed:           r.failed,
		TotalTokens:      r.tokenTotal,
		EstimatedCostUSD: float64(r.tokenTotal) / 1000 * costPer1KTokens,
		CacheHits:        r.cacheHits,
		CacheMisses:      r.cacheMiss,
	}
	if r.total > 0 {
		s.SuccessRate = float64(r.succeeded) / float64(r.total)
	}
	if len(r.errorCount) > 0 {
		s.Errors = make(map[string]int64, len(r.errorCount))
		for k, v := range r.errorCount {
			s.Errors[k] = v
		}
	}
	if len(r.samples) == 0 {
		return s
	}
	sorted := append([]time.Duration(nil), r.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	s.AvgLatencyMS = float64(sum.Milliseconds()) / float64(len(sorted))
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	s.P95LatencyMS = float64(sorted[idx].Milliseconds())
	return s
}
