// Package metrics provides Prometheus metrics for the clover service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal tracks match decisions by kind, type and review status
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Total number of match decisions recorded",
		},
		[]string{"entity_kind", "decision_type", "review_status"},
	)

	// ResolveDuration tracks how long one record takes to resolve
	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of record resolution in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"entity_kind"},
	)

	// BatchRecordsTotal tracks staged records by source and outcome
	BatchRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "records_total",
			Help:      "Total number of staged records processed by outcome",
		},
		[]string{"source_system", "outcome"},
	)

	// BatchRunDuration tracks batch run duration
	BatchRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "run_duration_seconds",
			Help:      "Duration of batch runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"source_system"},
	)

	// BatchRecordsInFlight tracks records currently being resolved
	BatchRecordsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "records_in_flight",
			Help:      "Number of staged records currently being resolved",
		},
	)

	// MergesTotal tracks entity merges
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of entity merges by status",
		},
		[]string{"entity_kind", "status"},
	)

	// ReviewsTotal tracks applied review outcomes
	ReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "applied_total",
			Help:      "Total number of review outcomes applied",
		},
		[]string{"entity_kind", "action"},
	)

	// AttributeObservationsTotal tracks stored and rejected observations
	AttributeObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "attributes",
			Name:      "observations_total",
			Help:      "Total number of attribute observations by result",
		},
		[]string{"entity_kind", "result"},
	)

	// TextAnalysisTotal tracks text-analysis calls by outcome
	TextAnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "text_analysis",
			Name:      "requests_total",
			Help:      "Total number of text-analysis requests by outcome",
		},
		[]string{"entity_kind", "outcome"},
	)

	// TextAnalysisDiscardedKeys tracks returned keys missing from the schema
	TextAnalysisDiscardedKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "text_analysis",
			Name:      "discarded_keys_total",
			Help:      "Total number of unrecognized attribute keys discarded",
		},
		[]string{"entity_kind"},
	)

	// TextAnalysisDuration tracks text-analysis latency
	TextAnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "text_analysis",
			Name:      "request_duration_seconds",
			Help:      "Duration of text-analysis requests in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// RateLimitWaitTime tracks time spent waiting for the text-analysis budget
	RateLimitWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks trigger messages handled by the consumer
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordDecision records a match decision metric
func RecordDecision(kind, decisionType, reviewStatus string) {
	DecisionsTotal.WithLabelValues(kind, decisionType, reviewStatus).Inc()
}

// RecordBatchRecord records the outcome of one staged record
func RecordBatchRecord(sourceSystem, outcome string) {
	BatchRecordsTotal.WithLabelValues(sourceSystem, outcome).Inc()
}

// RecordMerge records a merge metric
func RecordMerge(kind, status string) {
	MergesTotal.WithLabelValues(kind, status).Inc()
}

// RecordTextAnalysis records a text-analysis call
func RecordTextAnalysis(kind, outcome string, durationSeconds float64) {
	TextAnalysisTotal.WithLabelValues(kind, outcome).Inc()
	TextAnalysisDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records one served request
func RecordHTTPRequest(method, route string, status int, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
