// Package metrics exposes the Prometheus collectors for the routing and
// learning core: rotator health, breaker state, quota percent-used, and
// scorer score distribution. Grounded on the teacher's internal/metrics
// (one Registry struct, prometheus.NewRegistry rather than the global
// default registry, a promhttp.Handler for scraping).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the routing/learning core emits.
type Registry struct {
	reg *prometheus.Registry

	RouteRequestsTotal    *prometheus.CounterVec
	RouteLatencyMs        *prometheus.HistogramVec
	ScoreDistribution     *prometheus.HistogramVec
	RotatorHealthyKeys    *prometheus.GaugeVec
	RotatorExhaustedTotal *prometheus.CounterVec
	BreakerState          *prometheus.GaugeVec // 0=closed, 1=open, 2=half_open
	QuotaPercentUsed      *prometheus.GaugeVec
	FallbackAppliedTotal  *prometheus.CounterVec
	AdviceRiskScore       *prometheus.HistogramVec
	AdvicePauseTotal      prometheus.Counter
}

// New creates a Registry with every collector registered against a fresh
// prometheus.Registry (never the global default, so tests and multiple
// in-process instances stay independent).
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RouteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_route_requests_total",
			Help: "Total route() calls by model, provider, and outcome status",
		}, []string{"model", "provider", "status"}),
		RouteLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routingcore_route_latency_ms",
			Help:    "route() decision latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"model", "provider"}),
		ScoreDistribution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routingcore_scorer_score",
			Help:    "Distribution of AdaptiveScorer scores per candidate model",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"model"}),
		RotatorHealthyKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routingcore_rotator_healthy_keys",
			Help: "Number of healthy keys per provider",
		}, []string{"provider"}),
		RotatorExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_rotator_exhausted_total",
			Help: "Total times a provider's key pool was found fully exhausted",
		}, []string{"provider"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routingcore_breaker_state",
			Help: "CircuitBreaker state per provider (0=closed, 1=open, 2=half_open)",
		}, []string{"provider"}),
		QuotaPercentUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routingcore_quota_percent_used",
			Help: "Fraction of quota consumed per provider",
		}, []string{"provider"}),
		FallbackAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_fallback_applied_total",
			Help: "Total routing decisions that applied a quota or non-quota fallback",
		}, []string{"provider", "reason"}),
		AdviceRiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routingcore_advice_risk_score",
			Help:    "Distribution of OrchestrationAdvisor risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"task_type"}),
		AdvicePauseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routingcore_advice_pause_total",
			Help: "Total advice computations that recommended should_pause",
		}),
	}
	reg.MustRegister(
		m.RouteRequestsTotal,
		m.RouteLatencyMs,
		m.ScoreDistribution,
		m.RotatorHealthyKeys,
		m.RotatorExhaustedTotal,
		m.BreakerState,
		m.QuotaPercentUsed,
		m.FallbackAppliedTotal,
		m.AdviceRiskScore,
		m.AdvicePauseTotal,
	)
	return m
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// BreakerStateValue maps a breaker state name to the numeric gauge value,
// following the teacher's TemporalCircuitState convention.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return -1
	}
}
