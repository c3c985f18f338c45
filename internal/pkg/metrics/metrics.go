// Package metrics 汇总服务的 Prometheus 指标。
//
// 所有方法对 nil *Registry 安全，未启用指标时组件可直接传 nil。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "benchmarking"

type Registry struct {
	reg *prometheus.Registry

	Transitions    *prometheus.CounterVec
	SectionResults *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	WSConnections  prometheus.Gauge
	RunningTasks   prometheus.Gauge
	VendorRequests *prometheus.CounterVec
}

// NewRegistry 创建独立的指标注册表
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "Lifecycle operations by operation and result",
			},
			[]string{"op", "result"},
		),

		SectionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "section_results_total",
				Help:      "Rendered report sections by final status",
			},
			[]string{"status"},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of collection and generation phases",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"phase", "result"},
		),

		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Live WebSocket progress connections",
			},
		),

		RunningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tasks",
				Help:      "Background collection and generation tasks in flight",
			},
		),

		VendorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_requests_total",
				Help:      "Market data API requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
	}

	r.reg.MustRegister(
		r.Transitions,
		r.SectionResults,
		r.PhaseDuration,
		r.WSConnections,
		r.RunningTasks,
		r.VendorRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Handler 返回 /metrics 处理器
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer 供测试读取指标
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ObserveTransition(op string, err error) {
	if r == nil {
		return
	}
	r.Transitions.WithLabelValues(op, resultLabel(err)).Inc()
}

func (r *Registry) ObserveSection(status string) {
	if r == nil {
		return
	}
	r.SectionResults.WithLabelValues(status).Inc()
}

func (r *Registry) ObservePhase(phase, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.PhaseDuration.WithLabelValues(phase, result).Observe(elapsed.Seconds())
}

func (r *Registry) SetWSConnections(n int) {
	if r == nil {
		return
	}
	r.WSConnections.Set(float64(n))
}

func (r *Registry) SetRunningTasks(n int) {
	if r == nil {
		return
	}
	r.RunningTasks.Set(float64(n))
}

func (r *Registry) ObserveVendorRequest(endpoint string, err error) {
	if r == nil {
		return
	}
	r.VendorRequests.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
