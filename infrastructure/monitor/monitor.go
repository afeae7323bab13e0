package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 下单指标
	ordersPlaced   prometheus.Counter
	ordersFilled   prometheus.Counter
	ordersRejected prometheus.Counter
	ordersCanceled prometheus.Counter
	partialFills   prometheus.Counter
	candidatesSkipped *prometheus.CounterVec

	// 对账指标
	reconcilePasses   prometheus.Counter
	reconcileErrors   prometheus.Counter
	conflictsResolved prometheus.Counter
	manualModifies    prometheus.Counter
	reconcileLatency  prometheus.Histogram

	// 重试/熔断指标
	retriesScheduled prometheus.Counter
	retriesExhausted prometheus.Counter
	circuitState     prometheus.Gauge
	brokerCalls      *prometheus.CounterVec
	brokerErrors     *prometheus.CounterVec
	brokerLatency    *prometheus.HistogramVec

	// 通知指标
	notificationsSent       *prometheus.CounterVec
	notificationsSuppressed *prometheus.CounterVec

	// 状态指标
	openOrders      prometheus.Gauge
	retryQueueDepth prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "trader",
		Subsystem: "lifecycle",
	}
}

// New 创建Monitor并注册全部指标
func New(cfg Config) *Monitor {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	return &Monitor{
		registry: registry,

		ordersPlaced:   counter("orders_placed_total", "Orders submitted to the broker"),
		ordersFilled:   counter("orders_filled_total", "Orders fully filled"),
		ordersRejected: counter("orders_rejected_total", "Orders rejected"),
		ordersCanceled: counter("orders_cancelled_total", "Orders cancelled"),
		partialFills:   counter("partial_fills_total", "Partial fill events observed"),
		candidatesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "candidates_skipped_total", Help: "Placement candidates skipped by rule",
		}, []string{"rule"}),

		reconcilePasses:   counter("reconcile_passes_total", "Reconciliation passes completed"),
		reconcileErrors:   counter("reconcile_errors_total", "Reconciliation passes that returned an error"),
		conflictsResolved: counter("reconcile_conflicts_total", "Local/broker conflicts resolved"),
		manualModifies:    counter("manual_modifications_total", "Out-of-band order modifications detected"),
		reconcileLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "reconcile_duration_seconds", Help: "Reconciliation pass duration",
			Buckets: prometheus.DefBuckets,
		}),

		retriesScheduled: counter("retries_scheduled_total", "Orders routed to the retry queue"),
		retriesExhausted: counter("retries_exhausted_total", "Retry queue entries that ran out of attempts"),
		circuitState:     gauge("circuit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open)"),
		brokerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broker_calls_total", Help: "Broker API calls by operation",
		}, []string{"op"}),
		brokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broker_errors_total", Help: "Broker API errors by operation and class",
		}, []string{"op", "class"}),
		brokerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broker_call_duration_seconds", Help: "Broker API call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		notificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "notifications_sent_total", Help: "Notifications delivered by channel",
		}, []string{"channel"}),
		notificationsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "notifications_suppressed_total", Help: "Notifications suppressed by reason",
		}, []string{"reason"}),

		openOrders:      gauge("open_orders", "Non-terminal tracked orders"),
		retryQueueDepth: gauge("retry_queue_depth", "Entries waiting in the retry queue"),
	}
}

// Handler 返回 /metrics 的HTTP处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) OrderPlaced()   { m.ordersPlaced.Inc() }
func (m *Monitor) OrderFilled()   { m.ordersFilled.Inc() }
func (m *Monitor) OrderRejected() { m.ordersRejected.Inc() }
func (m *Monitor) OrderCanceled() { m.ordersCanceled.Inc() }
func (m *Monitor) PartialFill()   { m.partialFills.Inc() }

// CandidateSkipped 记录下单候选被哪条规则跳过
func (m *Monitor) CandidateSkipped(rule string) {
	m.candidatesSkipped.WithLabelValues(rule).Inc()
}

func (m *Monitor) ReconcilePass(d time.Duration) {
	m.reconcilePasses.Inc()
	m.reconcileLatency.Observe(d.Seconds())
}
func (m *Monitor) ReconcileError()    { m.reconcileErrors.Inc() }
func (m *Monitor) ConflictResolved()  { m.conflictsResolved.Inc() }
func (m *Monitor) ManualModifyFound() { m.manualModifies.Inc() }

func (m *Monitor) RetryScheduled() { m.retriesScheduled.Inc() }
func (m *Monitor) RetryExhausted() { m.retriesExhausted.Inc() }

// SetCircuitState 0=closed 1=open 2=half-open
func (m *Monitor) SetCircuitState(state int) {
	m.circuitState.Set(float64(state))
}

// BrokerCall 记录一次券商调用的延迟与错误分类（class 为空表示成功）
func (m *Monitor) BrokerCall(op string, d time.Duration, class string) {
	m.brokerCalls.WithLabelValues(op).Inc()
	m.brokerLatency.WithLabelValues(op).Observe(d.Seconds())
	if class != "" {
		m.brokerErrors.WithLabelValues(op, class).Inc()
	}
}

func (m *Monitor) NotificationSent(channel string) {
	m.notificationsSent.WithLabelValues(channel).Inc()
}

func (m *Monitor) NotificationSuppressed(reason string) {
	m.notificationsSuppressed.WithLabelValues(reason).Inc()
}

func (m *Monitor) SetOpenOrders(n int)      { m.openOrders.Set(float64(n)) }
func (m *Monitor) SetRetryQueueDepth(n int) { m.retryQueueDepth.Set(float64(n)) }
