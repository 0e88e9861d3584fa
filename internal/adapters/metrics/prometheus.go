package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptlab_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	VersionsCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_versions_committed_total",
		Help: "Prompt versions committed, by source",
	}, []string{"source"})

	AllocationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlab_allocation_conflicts_total",
		Help: "Version allocation conflicts that triggered a retry",
	})

	OptimizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_optimizations_total",
		Help: "Finished optimization attempts, by selected strategy and outcome",
	}, []string{"strategy", "outcome"})

	OptimizationFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_optimization_fallbacks_total",
		Help: "Strategy executions that fell back to direct improvement",
	}, []string{"from"})

	OptimizationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promptlab_optimizations_in_flight",
		Help: "Optimization attempts currently running",
	})

	StrategyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptlab_strategy_duration_seconds",
		Help:    "Strategy execution duration",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"strategy", "status"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptlab_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	LLMRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlab_llm_retries_total",
		Help: "Transient LLM failures retried within a strategy attempt",
	})
)
