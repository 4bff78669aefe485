// internal/pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "order_reservation"

// OrderMetrics 汇总预占、释放和清扫相关的指标。nil 接收者上的调用都是空操作。
type OrderMetrics struct {
	OrdersCreated     prometheus.Counter
	CheckoutFailures  *prometheus.CounterVec
	OrdersReleased    *prometheus.CounterVec
	PaymentsConfirmed prometheus.Counter
	Conflicts         *prometheus.CounterVec
	SweepRuns         prometheus.Counter
	SweepFailures     prometheus.Counter
	SweepDuration     prometheus.Histogram
	OutboxPublished   prometheus.Counter
	OutboxFailures    prometheus.Counter
}

// New 创建并注册指标。测试中传入 prometheus.NewRegistry() 避免重复注册。
func New(reg prometheus.Registerer) *OrderMetrics {
	m := &OrderMetrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_created_total",
			Help: "Orders created with stock reserved.",
		}),
		CheckoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkout_failures_total",
			Help: "Checkout attempts that failed, by reason.",
		}, []string{"reason"}),
		OrdersReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_released_total",
			Help: "Orders whose reserved stock was returned, by terminal status.",
		}, []string{"status"}),
		PaymentsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_confirmed_total",
			Help: "Orders transitioned to PAID.",
		}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transition_conflicts_total",
			Help: "Transitions rejected because the order was already resolved, by target status.",
		}, []string{"target"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_runs_total",
			Help: "Expiration sweeps executed.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_release_failures_total",
			Help: "Expired orders whose release failed and will be retried next sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Duration of one expiration sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total",
			Help: "Order events published to Kafka.",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_failures_total",
			Help: "Order events that failed to publish.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersCreated, m.CheckoutFailures, m.OrdersReleased, m.PaymentsConfirmed,
			m.Conflicts, m.SweepRuns, m.SweepFailures, m.SweepDuration,
			m.OutboxPublished, m.OutboxFailures,
		)
	}
	return m
}

func (m *OrderMetrics) OrderCreated() {
	if m == nil {
		return
	}
	m.OrdersCreated.Inc()
}

func (m *OrderMetrics) CheckoutFailed(reason string) {
	if m == nil {
		return
	}
	m.CheckoutFailures.WithLabelValues(reason).Inc()
}

func (m *OrderMetrics) OrderReleased(status string) {
	if m == nil {
		return
	}
	m.OrdersReleased.WithLabelValues(status).Inc()
}

func (m *OrderMetrics) PaymentConfirmed() {
	if m == nil {
		return
	}
	m.PaymentsConfirmed.Inc()
}

func (m *OrderMetrics) Conflict(target string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(target).Inc()
}

// SweepFinished 记录一次清扫的耗时和失败数
func (m *OrderMetrics) SweepFinished(elapsed time.Duration, failed int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(elapsed.Seconds())
	m.SweepFailures.Add(float64(failed))
}

func (m *OrderMetrics) OutboxResult(published, failed int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(published))
	m.OutboxFailures.Add(float64(failed))
}
