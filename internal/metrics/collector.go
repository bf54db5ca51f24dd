// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	latencyBuckets    = []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	generationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	sizeBuckets       = prometheus.ExponentialBuckets(100, 10, 8)
)

// Collector 指标收集器。所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpRequestSize  *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	detectorCalls    *prometheus.CounterVec
	detectorDuration *prometheus.HistogramVec
	detections       *prometheus.CounterVec
	chunks           *prometheus.HistogramVec
	verdicts         *prometheus.CounterVec
	transitions      *prometheus.CounterVec

	// 监控模式检测器只计数，不影响判定
	monitorDetections *prometheus.CounterVec
	monitorScoreSum   *prometheus.CounterVec

	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationTokens   *prometheus.CounterVec

	breakerState *prometheus.GaugeVec
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec

	dbOpen  *prometheus.GaugeVec
	dbIdle  *prometheus.GaugeVec
	dbQuery *prometheus.HistogramVec
}

// NewCollector builds every metric under namespace on a private registry
// that also carries the Go runtime and process collectors.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	f := factory{promauto.With(reg), namespace}

	c := &Collector{
		registry: reg,

		httpRequests:     f.counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status"),
		httpDuration:     f.histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path"),
		httpRequestSize:  f.histogram("http_request_size_bytes", "HTTP request size in bytes", sizeBuckets, "method", "path"),
		httpResponseSize: f.histogram("http_response_size_bytes", "HTTP response size in bytes", sizeBuckets, "method", "path"),

		// status: ok, error, timeout
		detectorCalls:    f.counter("detector_calls_total", "Detector invocations per chunk, by outcome", "detector_id", "kind", "status"),
		detectorDuration: f.histogram("detector_call_duration_seconds", "Detector invocation latency in seconds", latencyBuckets, "detector_id", "kind"),
		detections:       f.counter("detections_total", "Detections at or above threshold", "detector_id", "detection_type", "direction"),
		chunks:           f.histogram("chunks_per_request", "Number of chunks produced per chunking call", prometheus.ExponentialBuckets(1, 2, 10), "strategy"),
		verdicts:         f.counter("verdicts_total", "Moderation verdicts by direction and status", "direction", "status"),
		transitions:      f.counter("request_state_transitions_total", "Request state machine transitions", "from_state", "to_state"),

		monitorDetections: f.counter("monitor_detections_total", "Detections reported by monitor-mode detectors", "detector_id", "detection_type"),
		monitorScoreSum:   f.counter("monitor_score_sum", "Cumulative score of monitor-mode detections", "detector_id"),

		generations:        f.counter("generation_requests_total", "Generation requests by outcome", "provider", "model", "status"),
		generationDuration: f.histogram("generation_request_duration_seconds", "Generation request duration in seconds", generationBuckets, "provider", "model"),
		generationTokens:   f.counter("generation_tokens_used_total", "Tokens used by generation", "provider", "model", "type"),

		breakerState: f.gauge("circuit_breaker_state", "Circuit breaker state per backend (0 closed, 1 open, 2 half-open)", "backend"),
		cacheHits:    f.counter("cache_hits_total", "Total number of cache hits", "cache_type"),
		cacheMisses:  f.counter("cache_misses_total", "Total number of cache misses", "cache_type"),

		dbOpen:  f.gauge("db_connections_open", "Number of open database connections", "database"),
		dbIdle:  f.gauge("db_connections_idle", "Number of idle database connections", "database"),
		dbQuery: f.histogram("db_query_duration_seconds", "Database query duration in seconds", prometheus.DefBuckets, "database", "operation"),
	}

	logger.Info("metrics collector initialized", zap.String("component", "metrics"), zap.String("namespace", namespace))
	return c
}

type factory struct {
	promauto.Factory
	namespace string
}

func (f factory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
}

func (f factory) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
}

func (f factory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest path must already be a bounded route label.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordDetectorCall 记录一次检测器调用（单个 chunk）
func (c *Collector) RecordDetectorCall(detectorID, kind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.detectorCalls.WithLabelValues(detectorID, kind, status).Inc()
	c.detectorDuration.WithLabelValues(detectorID, kind).Observe(duration.Seconds())
}

func (c *Collector) RecordDetection(detectorID, detectionType, direction string) {
	if c == nil {
		return
	}
	c.detections.WithLabelValues(detectorID, detectionType, direction).Inc()
}

func (c *Collector) RecordChunks(strategy string, count int) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues(strategy).Observe(float64(count))
}

func (c *Collector) RecordVerdict(direction, status string) {
	if c == nil {
		return
	}
	c.verdicts.WithLabelValues(direction, status).Inc()
}

func (c *Collector) RecordStateTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordMonitorDetection counts the detection; zero scores are not summed.
func (c *Collector) RecordMonitorDetection(detectorID, detectionType string, score float64) {
	if c == nil {
		return
	}
	c.monitorDetections.WithLabelValues(detectorID, detectionType).Inc()
	if score > 0 {
		c.monitorScoreSum.WithLabelValues(detectorID).Add(score)
	}
}

// RecordGeneration 记录生成请求与 token 用量
func (c *Collector) RecordGeneration(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(provider, model, status).Inc()
	c.generationDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.generationTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.generationTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func (c *Collector) RecordBreakerState(backend string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(backend).Set(float64(state))
}

func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录连接池快照
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbOpen.WithLabelValues(database).Set(float64(open))
	c.dbIdle.WithLabelValues(database).Set(float64(idle))
}

func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQuery.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusCode folds a status into its class: 2xx..5xx, else "unknown".
func statusCode(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
