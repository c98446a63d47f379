package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/healing"
)

const namespace = "erpgw"

// Metrics is the gateway's metric set. Each method matches a hook exposed by
// the component it observes.
type Metrics struct {
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	rateLimited    prometheus.Counter
	breakerState   *prometheus.GaugeVec
	fallbacks      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	autoRecoveries prometheus.Counter
}

// NewMetrics registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome code (ok on success).",
		}, []string{"tool", "code"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the rate limiter.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_fallbacks_total",
			Help:      "Transport fallbacks performed by the connector adapter.",
		}, []string{"from", "to"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Terminal webhook delivery outcomes.",
		}, []string{"status"}),
		autoRecoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_recoveries_total",
			Help:      "Breaker and pool recoveries observed by the self-healing monitor.",
		}),
	}
}

// ObserveTool is a pipeline observer.
func (m *Metrics) ObserveTool(tool string, code domain.ErrorCode, d time.Duration) {
	label := string(code)
	if label == "" {
		label = "ok"
	}
	m.toolCalls.WithLabelValues(tool, label).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	if code == domain.CodeRateLimitExceeded {
		m.rateLimited.Inc()
	}
}

// BreakerStateChanged is a circuit breaker state-change hook.
func (m *Metrics) BreakerStateChanged(name string, _, to circuit.State) {
	m.breakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s circuit.State) float64 {
	switch s {
	case circuit.StateHalfOpen:
		return 1
	case circuit.StateOpen:
		return 2
	default:
		return 0
	}
}

// Fallback is a connector fallback hook.
func (m *Metrics) Fallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

// DeliveryFinished is a webhook outcome hook.
func (m *Metrics) DeliveryFinished(status domain.DeliveryStatus) {
	m.deliveries.WithLabelValues(string(status)).Inc()
}

// Recovered is a self-healing recovery hook.
func (m *Metrics) Recovered(healing.RecoveryEvent) {
	m.autoRecoveries.Inc()
}
