package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the render service.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Provider metrics
	AIRequestsTotal *prometheus.CounterVec
	AITokensTotal   *prometheus.CounterVec
	AICostUSDTotal  *prometheus.CounterVec

	// Resilience metrics
	BreakerStateChanges *prometheus.CounterVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec

	// Queue metrics
	QueueDepth    prometheus.Gauge
	JobsProcessed *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge

	// Errors
	ErrorsByCategory *prometheus.CounterVec

	// Budget
	BudgetSpendUSD *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass nil to register on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sgd_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		AIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_ai_requests_total",
				Help: "Provider calls by task, model and outcome",
			},
			[]string{"task", "model", "outcome"},
		),
		AITokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_ai_tokens_total",
				Help: "Tokens consumed by task and direction",
			},
			[]string{"task", "direction"}, // direction: prompt, completion
		),
		AICostUSDTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_ai_cost_usd_total",
				Help: "Provider spend in USD by org and task",
			},
			[]string{"org_id", "task"},
		),
		BreakerStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_circuit_breaker_state_changes_total",
				Help: "Circuit breaker transitions by breaker and target state",
			},
			[]string{"breaker", "to"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_cache_hits_total",
				Help: "Cache hits by kind (fresh, stale)",
			},
			[]string{"kind"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_cache_misses_total",
				Help: "Cache misses by reason (cold, bypass, timeout)",
			},
			[]string{"reason"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sgd_queue_depth",
				Help: "Current length of the render stream",
			},
		),
		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_jobs_processed_total",
				Help: "Jobs drained by terminal state",
			},
			[]string{"state"},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sgd_active_workers",
				Help: "Number of running render workers",
			},
		),
		ErrorsByCategory: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgd_errors_total",
				Help: "Errors surfaced to clients by category",
			},
			[]string{"category"},
		),
		BudgetSpendUSD: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sgd_budget_spend_usd",
				Help: "Daily spend per org as last observed by the cost controller",
			},
			[]string{"org_id"},
		),
	}
}
