package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shock_trader"

// Recorder 以 Prometheus 指标记录决策循环的运行情况。
type Recorder struct {
	cycles       *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	safetyBlocks *prometheus.CounterVec
	advisory     *prometheus.CounterVec
	tradesOpened *prometheus.CounterVec
	tradesClosed *prometheus.CounterVec
	shocks       prometheus.Counter
	openTrades   prometheus.Gauge
	cycleLatency *prometheus.HistogramVec
}

// New 在 reg 上注册全部指标，reg 为空时使用默认注册表。
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of cycles by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of logged decisions",
			},
			[]string{"decision"},
		),
		safetyBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_blocks_total",
				Help:      "Total number of trades blocked by the safety governor",
			},
			[]string{"check"},
		),
		advisory: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advisory_calls_total",
				Help:      "Total number of advisory consultations",
			},
			[]string{"provider", "outcome"},
		),
		tradesOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_opened_total",
				Help:      "Total number of opened option trades",
			},
			[]string{"mode"},
		),
		tradesClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_closed_total",
				Help:      "Total number of closed option trades",
			},
			[]string{"reason"},
		),
		shocks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shocks_detected_total",
				Help:      "Total number of registered shock setups",
			},
		),
		openTrades: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_trades",
				Help:      "Number of currently open trades",
			},
		),
		cycleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// RecordCycle 记录一次循环及其耗时。
func (r *Recorder) RecordCycle(kind, outcome string, took time.Duration) {
	r.cycles.WithLabelValues(kind, outcome).Inc()
	r.cycleLatency.WithLabelValues(kind).Observe(took.Seconds())
}

// RecordDecision 记录决策类型。
func (r *Recorder) RecordDecision(decision string) {
	r.decisions.WithLabelValues(decision).Inc()
}

// RecordSafetyBlock 记录安全拦截环节。
func (r *Recorder) RecordSafetyBlock(check string) {
	r.safetyBlocks.WithLabelValues(check).Inc()
}

// RecordAdvisory 记录外部建议调用结果。
func (r *Recorder) RecordAdvisory(provider string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fallback"
	}
	r.advisory.WithLabelValues(provider, outcome).Inc()
}

// RecordShocks 累加新登记的冲击设置。
func (r *Recorder) RecordShocks(n int) {
	r.shocks.Add(float64(n))
}

// RecordTradeOpened 记录开仓。
func (r *Recorder) RecordTradeOpened(mode string) {
	r.tradesOpened.WithLabelValues(mode).Inc()
}

// RecordTradeClosed 记录平仓原因。
func (r *Recorder) RecordTradeClosed(reason string) {
	r.tradesClosed.WithLabelValues(reason).Inc()
}

// SetOpenTrades 设置当前持仓数。
func (r *Recorder) SetOpenTrades(n int) {
	r.openTrades.Set(float64(n))
}
