// Package observability 提供 Prometheus 指标与显式的操作埋点包装。
package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

const namespace = "prompt_analytics"

// Metrics 汇总服务暴露的全部指标，使用独立 Registry 便于测试。
type Metrics struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	cacheTotal        *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTotal          *prometheus.CounterVec
}

// NewMetrics 创建并注册全部指标。
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "route", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		operationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Total number of service operations by outcome.",
		}, []string{"operation", "outcome"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job attempt.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job_type", "status"}),
		jobTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_attempts_total",
			Help:      "Job attempts by type and resulting status.",
		}, []string{"job_type", "status"}),
	}

	collectors := []prometheus.Collector{
		m.requestDuration,
		m.requestTotal,
		m.operationDuration,
		m.operationTotal,
		m.cacheTotal,
		m.jobDuration,
		m.jobTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware 记录请求耗时与状态码，路由标签使用注册路径避免基数膨胀。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ctx.Writer.Status())
		m.requestTotal.WithLabelValues(ctx.Request.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(ctx.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// ObserveCache 记录一次缓存访问结果。nil 接收者为空操作。
func (m *Metrics) ObserveCache(cache, result string) {
	if m == nil {
		return
	}
	m.cacheTotal.WithLabelValues(cache, result).Inc()
}

// ObserveJob 记录一次任务执行，签名与 queue.Observer 一致。
func (m *Metrics) ObserveJob(jobType string, status domain.JobStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobTotal.WithLabelValues(jobType, string(status)).Inc()
	m.jobDuration.WithLabelValues(jobType, string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}

// Track 执行 fn 并记录操作耗时与结果；m 为 nil 时仅执行 fn。
func Track[T any](ctx context.Context, m *Metrics, operation string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := fn(ctx)
	m.observeOperation(operation, Outcome(err), time.Since(start))
	return result, err
}

// Outcome 把错误映射为低基数标签。
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
