package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 会话与归档指标
	archiveOpensTotal *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	classReadsTotal   *prometheus.CounterVec

	// 改写指标
	patchesTotal *prometheus.CounterVec

	// 反编译指标
	decompilationsTotal   *prometheus.CounterVec
	decompilationDuration *prometheus.HistogramVec

	// 字符串还原指标
	recoveryRunsTotal     prometheus.Counter
	recoveryFindingsTotal *prometheus.CounterVec

	// 引用搜索指标
	usageSearchesTotal   prometheus.Counter
	usageSearchDuration  prometheus.Histogram
	usageMatchesObserved prometheus.Histogram

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "jar_analysis"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		// HTTP 请求指标
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		archiveOpensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_opens_total",
				Help:      "Total number of archive open attempts",
			},
			[]string{"status"}, // success, failure
		),
		sessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of open archive sessions",
			},
		),
		classReadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "class_reads_total",
				Help:      "Total number of class byte reads by source",
			},
			[]string{"source"}, // overlay, cache, archive
		),

		patchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_total",
				Help:      "Total number of class patches",
			},
			[]string{"op", "result"},
		),

		decompilationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decompilations_total",
				Help:      "Total number of class decompilations",
			},
			[]string{"engine", "status"},
		),
		decompilationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decompilation_duration_seconds",
				Help:      "Decompilation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine"},
		),

		recoveryRunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_runs_total",
				Help:      "Total number of string recovery passes",
			},
		),
		recoveryFindingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_findings_total",
				Help:      "Total number of recovered strings by engine",
			},
			[]string{"engine"},
		),

		usageSearchesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_searches_total",
				Help:      "Total number of usage searches",
			},
		),
		usageSearchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "usage_search_duration_seconds",
				Help:      "Usage search duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		usageMatchesObserved: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "usage_search_matches",
				Help:      "Number of classes matched per usage search",
				Buckets:   []float64{0, 1, 5, 10, 50, 100, 500},
			},
		),

		// 系统指标
		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		// Worker Pool 指标
		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in queue",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordArchiveOpened 记录归档打开结果
func (pm *PrometheusMetrics) RecordArchiveOpened(err error) {
	if err != nil {
		pm.archiveOpensTotal.WithLabelValues("failure").Inc()
		return
	}
	pm.archiveOpensTotal.WithLabelValues("success").Inc()
	pm.sessionsActive.Inc()
}

// RecordSessionClosed 记录会话关闭
func (pm *PrometheusMetrics) RecordSessionClosed() {
	pm.sessionsActive.Dec()
}

// RecordClassRead 记录类字节读取来源
func (pm *PrometheusMetrics) RecordClassRead(source string) {
	pm.classReadsTotal.WithLabelValues(source).Inc()
}

// RecordPatch 记录改写
func (pm *PrometheusMetrics) RecordPatch(op, result string) {
	pm.patchesTotal.WithLabelValues(op, result).Inc()
}

// RecordDecompilation 记录反编译
func (pm *PrometheusMetrics) RecordDecompilation(engine string, failed bool, duration time.Duration) {
	status := "success"
	if failed {
		status = "failure"
	}
	pm.decompilationsTotal.WithLabelValues(engine, status).Inc()
	pm.decompilationDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordRecovery 记录一次还原，counts 为各引擎发现数
func (pm *PrometheusMetrics) RecordRecovery(counts map[string]int) {
	pm.recoveryRunsTotal.Inc()
	for engine, n := range counts {
		pm.recoveryFindingsTotal.WithLabelValues(engine).Add(float64(n))
	}
}

// RecordUsageSearch 记录引用搜索
func (pm *PrometheusMetrics) RecordUsageSearch(matches int, duration time.Duration) {
	pm.usageSearchesTotal.Inc()
	pm.usageSearchDuration.Observe(duration.Seconds())
	pm.usageMatchesObserved.Observe(float64(matches))
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}
