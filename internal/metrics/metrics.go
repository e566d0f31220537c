// Package metrics 汇总 pwa-hub 的 Prometheus 指标：生命周期状态、路由结果与缓存写入。
// 所有方法都允许在 nil *Metrics 上调用，便于测试与关闭指标时直接传 nil。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/pwa-hub/internal/lifecycle"
)

// Metrics 使用独立 Registry，避免多次构造时重复注册到全局默认 Registry。
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal        *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	stateTransitions  *prometheus.CounterVec
	activeVersion     *prometheus.GaugeVec
	cacheWrites       *prometheus.CounterVec
	staleCacheDeletes *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pwahub_fetch_total",
				Help: "Intercepted fetches by route, response source and outcome",
			},
			[]string{"scope", "route", "source", "outcome"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pwahub_fetch_duration_seconds",
				Help:    "Time spent answering intercepted fetches",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"scope", "route"},
		),
		stateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pwahub_worker_state_transitions_total",
				Help: "Worker lifecycle state transitions",
			},
			[]string{"scope", "state"},
		),
		activeVersion: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pwahub_worker_active",
				Help: "Set to 1 for the activated cache version of each scope",
			},
			[]string{"scope", "version"},
		),
		cacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pwahub_cache_writes_total",
				Help: "Background cache writes by result",
			},
			[]string{"scope", "result"},
		),
		staleCacheDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pwahub_stale_cache_deletes_total",
				Help: "Stale cache deletions during activation by result",
			},
			[]string{"scope", "result"},
		),
	}
}

// Registry 暴露底层 Registry（诊断与测试使用）。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /-/metrics 使用的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFetch 记录一次 fetch 的结果。
func (m *Metrics) ObserveFetch(scope, route, source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(scope, route, source, outcome).Inc()
	m.fetchDuration.WithLabelValues(scope, route).Observe(elapsed.Seconds())
}

// CacheWrite 记录一次后台写缓存。
func (m *Metrics) CacheWrite(scope string, err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(scope, resultLabel(err)).Inc()
}

// StaleCacheDeleted 记录激活阶段删除旧缓存的结果。
func (m *Metrics) StaleCacheDeleted(scope string, err error) {
	if m == nil {
		return
	}
	m.staleCacheDeletes.WithLabelValues(scope, resultLabel(err)).Inc()
}

// WorkerStateChanged 实现 lifecycle.Observer。
func (m *Metrics) WorkerStateChanged(scope, version string, state lifecycle.State) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(scope, string(state)).Inc()
	switch state {
	case lifecycle.StateActivated:
		m.activeVersion.WithLabelValues(scope, version).Set(1)
	case lifecycle.StateRedundant:
		m.activeVersion.DeleteLabelValues(scope, version)
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ lifecycle.Observer = (*Metrics)(nil)
