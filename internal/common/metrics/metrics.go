package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics

	// TasksCreated tracks tasks accepted through the API
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Total tasks created",
		},
		[]string{"source"}, // source: processing, products
	)

	// TaskTransitions tracks state machine transitions
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total task state transitions",
		},
		[]string{"to_state"},
	)

	// TaskQueueDepth tracks per-state queue depth
	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docrelay",
			Subsystem: "tasks",
			Name:      "queue_depth",
			Help:      "Number of tasks per lifecycle state",
		},
		[]string{"state"},
	)

	// Dispatcher metrics

	// DispatcherSubmissions tracks remote batch submissions
	DispatcherSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "dispatcher",
			Name:      "submissions_total",
			Help:      "Total remote batch submissions",
		},
		[]string{"result"}, // result: submitted, retried, failed, exhausted
	)

	// DispatcherCycleDuration tracks dispatch cycle duration
	DispatcherCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docrelay",
			Subsystem: "dispatcher",
			Name:      "cycle_duration_seconds",
			Help:      "Time to run one dispatch cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DispatcherRateLimitWaits tracks submissions delayed by the rate limiter
	DispatcherRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "dispatcher",
			Name:      "rate_limit_waits_total",
			Help:      "Total submissions delayed by the rate limiter",
		},
	)

	// Watcher metrics

	// WatcherBatchChecks tracks remote batch status checks
	WatcherBatchChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "watcher",
			Name:      "batch_checks_total",
			Help:      "Total remote batch status checks",
		},
		[]string{"status"}, // status: in_progress, ended, expired, canceling, error
	)

	// WatcherResultsProcessed tracks batch results demultiplexed to tasks
	WatcherResultsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "watcher",
			Name:      "results_processed_total",
			Help:      "Total batch results demultiplexed to tasks",
		},
		[]string{"result"}, // result: completed, failed, missing, duplicate
	)

	// WatcherInFlightBatches tracks batches awaiting results
	WatcherInFlightBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docrelay",
			Subsystem: "watcher",
			Name:      "in_flight_batches",
			Help:      "Number of remote batches awaiting results",
		},
	)

	// Outbox metrics

	// OutboxEnqueued tracks messages written to the outbox
	OutboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total messages written to the outbox",
		},
		[]string{"status"}, // status: completed, failed
	)

	// OutboxPendingDepth tracks the pending queue depth
	OutboxPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docrelay",
			Subsystem: "outbox",
			Name:      "pending_depth",
			Help:      "Number of messages awaiting delivery",
		},
	)

	// Relay metrics

	// RelayDeliveries tracks delivery attempts by outcome
	RelayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total callback delivery attempts",
		},
		[]string{"channel", "result"}, // channel: webhook, nats, sqs; result: sent, failed
	)

	// RelayDeliveryDuration tracks delivery duration per channel
	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrelay",
			Subsystem: "relay",
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver one callback",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// RelayCycleDuration tracks relay cycle duration
	RelayCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docrelay",
			Subsystem: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Time to run one relay cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Remote API metrics

	// RemoteRequests tracks remote API calls
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Total remote API calls",
		},
		[]string{"operation", "result"}, // operation: create, status, results
	)

	// RemoteRequestDuration tracks remote API call duration
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrelay",
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Remote API call duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// Webhook metrics

	// WebhookCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	WebhookCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docrelay",
			Subsystem: "webhooks",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// WebhookCircuitBreakerTrips tracks circuit breaker trip events
	WebhookCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "webhooks",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// WebhookResponses tracks callback responses by status code
	WebhookResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "webhooks",
			Name:      "responses_total",
			Help:      "Total webhook responses by status code",
		},
		[]string{"status_code"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
