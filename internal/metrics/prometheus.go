package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consumption loop metrics
var (
	DeliveriesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_deliveries_received_total",
			Help: "Total number of deliveries received from the broker",
		},
	)

	DeliveriesFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_finalized_total",
			Help: "Total number of deliveries terminally handled, by broker action",
		},
		[]string{"action"}, // ack, requeue, reject, dead_letter
	)

	ReceiveErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_receive_errors_total",
			Help: "Total number of broker receive errors",
		},
	)

	BrokerActionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_broker_action_errors_total",
			Help: "Total number of failed broker acknowledgment actions",
		},
		[]string{"action"}, // ack, reject
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_in_flight",
			Help: "Number of deliveries currently being processed",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_processing_duration_seconds",
			Help:    "Duration of one delivery from dispatch to finalization",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Pipeline metrics
var (
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_pipeline_outcomes_total",
			Help: "Total number of pipeline outcomes by kind",
		},
		[]string{"outcome"}, // success, skipped_duplicate, transient, permanent
	)

	IdempotencyResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_idempotency_results_total",
			Help: "Total number of idempotency gate decisions",
		},
		[]string{"result"}, // claimed, already_processing, already_sent, error
	)

	CommitFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_idempotency_commit_failures_total",
			Help: "Total number of failed sent-state commits after a successful delivery",
		},
	)
)

// Circuit breaker metrics
var (
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "push_breaker_state",
			Help: "Last observed breaker phase (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_breaker_transitions_total",
			Help: "Total number of breaker phase transitions observed by this process",
		},
		[]string{"name", "from", "to"},
	)

	BreakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_breaker_rejections_total",
			Help: "Total number of calls short-circuited by an open breaker",
		},
		[]string{"name"},
	)

	BreakerStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_breaker_store_errors_total",
			Help: "Total number of breaker state store failures",
		},
		[]string{"name", "op"}, // acquire, record
	)
)

// Downstream metrics
var (
	DownstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_downstream_requests_total",
			Help: "Total number of downstream HTTP calls by service and result",
		},
		[]string{"service", "result"}, // ok, transient, permanent
	)

	DownstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_downstream_duration_seconds",
			Help:    "Duration of downstream HTTP calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

// Dead-letter metrics
var (
	DeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_dead_lettered_total",
			Help: "Total number of messages published to the dead-letter destination",
		},
	)

	DeadLetterFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_dead_letter_failures_total",
			Help: "Total number of failed dead-letter publishes",
		},
	)

	DeadLetterReprocessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_dead_letter_reprocessed_total",
			Help: "Total number of dead-lettered messages re-enqueued by an operator",
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Total number of API authentication failures",
		},
	)
)
