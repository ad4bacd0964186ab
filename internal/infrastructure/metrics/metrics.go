// Package metrics Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingarb/internal/application/port"
)

const namespace = "fundingarb"

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// 持仓终态计数
	PositionsTotal *prometheus.CounterVec
	// 下单结果计数
	OrdersTotal *prometheus.CounterVec
	// 下单到成交确认耗时
	OrderConfirmSeconds *prometheus.HistogramVec
	// 订阅状态变化计数
	SubscriptionsTotal *prometheus.CounterVec
	// 快照质量计数
	SnapshotsTotal *prometheus.CounterVec
	// 执行中的持仓数
	ExecutionsActive prometheus.Gauge
}

var _ port.Metrics = (*Metrics)(nil)

// New 创建并注册到独立 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PositionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "positions_finished_total",
			Help:      "Positions reaching a terminal status",
		}, []string{"status"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_total",
			Help:      "Orders submitted by exchange and result",
		}, []string{"exchange", "result"}),
		OrderConfirmSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "order_confirm_seconds",
			Help:      "Time from order submission to final fill state",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"exchange"}),
		SubscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions",
		}, []string{"status"}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "snapshots_total",
			Help:      "Funding snapshots observed by quality",
		}, []string{"exchange", "quality"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_active",
			Help:      "Executions currently registered in the coordinator",
		}),
	}
	m.registry.MustRegister(
		m.PositionsTotal,
		m.OrdersTotal,
		m.OrderConfirmSeconds,
		m.SubscriptionsTotal,
		m.SnapshotsTotal,
		m.ExecutionsActive,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) PositionFinished(status string) { m.PositionsTotal.WithLabelValues(status).Inc() }

func (m *Metrics) OrderPlaced(exchange, result string) {
	m.OrdersTotal.WithLabelValues(exchange, result).Inc()
}

func (m *Metrics) OrderConfirmed(exchange string, latency time.Duration) {
	m.OrderConfirmSeconds.WithLabelValues(exchange).Observe(latency.Seconds())
}

func (m *Metrics) SubscriptionChanged(status string) {
	m.SubscriptionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SnapshotObserved(exchange, quality string) {
	m.SnapshotsTotal.WithLabelValues(exchange, quality).Inc()
}

func (m *Metrics) ActiveExecutions(n int) { m.ExecutionsActive.Set(float64(n)) }
