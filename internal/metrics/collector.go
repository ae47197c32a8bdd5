package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartexec"

// Collector 汇总执行引擎的 Prometheus 指标，使用独立 registry。
// 所有方法允许 nil 接收者，未启用指标时直接忽略。
type Collector struct {
	registry          *prometheus.Registry
	riskVerdicts      *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	childOrders       *prometheus.CounterVec
	confirmLatency    prometheus.Histogram
	activeRuns        prometheus.Gauge
	loanEvents        *prometheus.CounterVec
	notionalExecuted  prometheus.Counter
}

// NewCollector 创建指标收集器。
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		riskVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_verdicts_total",
			Help:      "Risk evaluations by outcome and derived risk level",
		}, []string{"result", "level"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished execution runs by terminal state",
		}, []string{"state"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of execution runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		childOrders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_orders_total",
			Help:      "Child order outcomes",
		}, []string{"outcome"}),
		confirmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_latency_seconds",
			Help:      "Time from submission to confirmation of a child order",
			Buckets:   prometheus.DefBuckets,
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Execution runs currently in progress",
		}),
		loanEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_events_total",
			Help:      "Loan engine events",
		}, []string{"event"}),
		notionalExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmed_notional_usd_total",
			Help:      "Confirmed USD notional across all runs",
		}),
	}
}

// RiskVerdict 记录一次风控结果。
func (c *Collector) RiskVerdict(allow bool, level string) {
	if c == nil {
		return
	}
	result := "deny"
	if allow {
		result = "allow"
	}
	c.riskVerdicts.WithLabelValues(result, level).Inc()
}

// RunStarted 标记执行开始。
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished 记录执行终态与耗时。
func (c *Collector) RunFinished(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
	c.executions.WithLabelValues(state).Inc()
	c.executionDuration.Observe(elapsed.Seconds())
}

// Rejected 记录未进入执行阶段即被拒绝的请求。
func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.executions.WithLabelValues("rejected").Inc()
}

// ChildOrder 记录子订单结果，confirmed 时同时记录确认耗时。
func (c *Collector) ChildOrder(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.childOrders.WithLabelValues(outcome).Inc()
	if outcome == "confirmed" {
		c.confirmLatency.Observe(latency.Seconds())
	}
}

// ConfirmedNotional 累加已确认的美元金额。
func (c *Collector) ConfirmedNotional(usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.notionalExecuted.Add(usd)
}

// LoanEvent 记录借贷事件。
func (c *Collector) LoanEvent(event string) {
	if c == nil {
		return
	}
	c.loanEvents.WithLabelValues(event).Inc()
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
