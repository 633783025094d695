package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_workflow_steps_total",
			Help: "Total number of workflow node executions",
		},
		[]string{"node", "status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumilearn_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	WorkflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_workflow_runs_total",
			Help: "Total number of workflow runs",
		},
		[]string{"status"},
	)

	// Learning loop metrics
	LoopsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_loops_completed_total",
			Help: "Total number of learning loops completed",
		},
		[]string{"reason"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumilearn_sessions_active",
			Help: "Number of sessions currently held in memory",
		},
	)

	SessionTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumilearn_session_turns",
			Help:    "Turn count per learning loop at completion",
			Buckets: []float64{5, 10, 20, 30, 40, 50},
		},
	)

	// External call metrics
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_external_calls_total",
			Help: "Total number of external service calls",
		},
		[]string{"service", "status"},
	)

	ExternalCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumilearn_external_call_latency_seconds",
			Help:    "External service call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service"},
	)

	ExternalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_external_errors_total",
			Help: "Total number of external service errors",
		},
		[]string{"service", "code"},
	)

	// Resilience metrics
	CircuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_circuit_opens_total",
			Help: "Total number of calls short-circuited by an open circuit",
		},
		[]string{"service"},
	)

	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_retries_scheduled_total",
			Help: "Total number of retries scheduled after transient errors",
		},
		[]string{"service"},
	)

	FallbacksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_fallbacks_executed_total",
			Help: "Total number of fallback strategies executed",
		},
		[]string{"service", "strategy"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_rate_limit_rejections_total",
			Help: "Total number of calls rejected by the rate limiter",
		},
		[]string{"service"},
	)

	// Alerting metrics
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_alerts_fired_total",
			Help: "Total number of alert rules fired",
		},
		[]string{"rule"},
	)

	// Search metrics
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_search_queries_total",
			Help: "Total number of multi-source search queries",
		},
		[]string{"strategy"},
	)

	SearchQuality = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumilearn_search_quality",
			Help:    "Response quality score of ranked search results",
			Buckets: []float64{0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 1.0},
		},
	)

	// Generation metrics
	GenerationCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_generation_cache_total",
			Help: "Generation response cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	GenerationTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumilearn_generation_tokens",
			Help:    "Tokens consumed per generation call",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000},
		},
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_store_operations_total",
			Help: "Session store operations by kind and outcome",
		},
		[]string{"operation", "status"},
	)

	StoreCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumilearn_store_cache_total",
			Help: "Session cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)
