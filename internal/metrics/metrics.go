package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish path metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"event_type", "backend"},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Total number of publish failures surfaced to producers",
		},
	)

	// Processing metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_processed_total",
			Help: "Total number of events processed successfully",
		},
		[]string{"event_type"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_failed_total",
			Help: "Total number of failed processing attempts",
		},
		[]string{"event_type"},
	)

	EventsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_events_retried_total",
			Help: "Total number of events scheduled for retry",
		},
	)

	EventsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_events_dead_lettered_total",
			Help: "Total number of events routed to the dead letter sink",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventbus_processing_duration_seconds",
			Help:    "Duration of event dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Handler metrics
	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_errors_total",
			Help: "Total number of handler invocation errors",
		},
		[]string{"handler"},
	)

	// Circuit breaker metrics. 0=closed, 1=open, 2=half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbus_circuit_breaker_state",
			Help: "Current circuit breaker state per handler/event-type pair",
		},
		[]string{"breaker"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// Transport metrics
	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_transport_connection_failures_total",
			Help: "Total number of transport connectivity failures",
		},
		[]string{"backend"},
	)

	CodecErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_codec_errors_total",
			Help: "Total number of undecodable messages skipped",
		},
		[]string{"backend"},
	)

	RetryQueueScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_retry_scans_total",
			Help: "Total number of retry log scan passes",
		},
	)

	DeadLetterDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbus_dead_letter_depth",
			Help: "Observed depth of the dead letter sink per backend",
		},
		[]string{"backend"},
	)
)
