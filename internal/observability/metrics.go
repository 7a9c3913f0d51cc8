// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingress metrics
	WebhookRequests    *prometheus.CounterVec
	EventsReceived     *prometheus.CounterVec
	SignatureVerdicts  *prometheus.CounterVec
	RateLimitRejected  *prometheus.CounterVec
	SubscriptionEvents prometheus.Counter

	// Processing metrics
	EventOutcomes     *prometheus.CounterVec
	EventApplyLatency *prometheus.HistogramVec
	ProcessingErrors  *prometheus.CounterVec
	HighestBlockSeen  prometheus.Gauge
	TradeSinkFailures prometheus.Counter

	// RPC metrics
	RPCCallLatency    *prometheus.HistogramVec
	RPCCallsTotal     *prometheus.CounterVec
	RPCRateLimitWaits prometheus.Counter

	// Backfill metrics
	BackfillRunsTotal *prometheus.CounterVec
	BackfillDuration  prometheus.Histogram
	BackfillChunks    *prometheus.CounterVec
	PendingRetried    prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulBackfill prometheus.Gauge
	LastWebhookReceived    prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "chain_event_ingest"
	}

	return &Metrics{
		WebhookRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total number of webhook requests by endpoint and HTTP status",
		}, []string{"endpoint", "status"}),
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_received_total",
			Help:      "Total number of canonical events extracted from webhook payloads",
		}, []string{"endpoint"}),
		SignatureVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "signature_verdicts_total",
			Help:      "Total number of signature checks by verdict",
		}, []string{"verdict"}),
		RateLimitRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}, []string{"endpoint"}),
		SubscriptionEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "events_received_total",
			Help:      "Total number of logs received from the live subscription",
		}),

		EventOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "event_outcomes_total",
			Help:      "Total number of processed events by source and outcome",
		}, []string{"source", "outcome"}),
		EventApplyLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "apply_latency_seconds",
			Help:      "Latency of one apply or reverse unit of work in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ProcessingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Total number of event processing errors by route and kind",
		}, []string{"route", "error_type"}),
		HighestBlockSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "highest_block_seen",
			Help:      "Highest block number seen in any ingested event",
		}),
		TradeSinkFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "trade_sink_failures_total",
			Help:      "Total number of failed writes to the trade analytics sink",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "JSON-RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total number of JSON-RPC calls by method and status class",
		}, []string{"method", "status"}),
		RPCRateLimitWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "rate_limit_waits_total",
			Help:      "Total number of RPC calls delayed by the client-side rate limiter",
		}),

		BackfillRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "runs_total",
			Help:      "Total number of backfill runs by trigger and status",
		}, []string{"trigger", "status"}),
		BackfillDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "duration_seconds",
			Help:      "Backfill run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		BackfillChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "chunks_total",
			Help:      "Total number of backfill chunks by status",
		}, []string{"status"}),
		PendingRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "pending_retried_total",
			Help:      "Total number of stale pending records re-applied",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulBackfill: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_backfill_timestamp",
			Help:      "Unix timestamp of last completed backfill run",
		}),
		LastWebhookReceived: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_webhook_received_timestamp",
			Help:      "Unix timestamp of last accepted webhook delivery",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordWebhookRequest records one webhook request and its response status.
func RecordWebhookRequest(endpoint, status string, events int) {
	DefaultMetrics.WebhookRequests.WithLabelValues(endpoint, status).Inc()
	if events > 0 {
		DefaultMetrics.EventsReceived.WithLabelValues(endpoint).Add(float64(events))
	}
}

// RecordSignatureVerdict records the outcome of a signature check.
func RecordSignatureVerdict(verdict string) {
	DefaultMetrics.SignatureVerdicts.WithLabelValues(verdict).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(endpoint string) {
	DefaultMetrics.RateLimitRejected.WithLabelValues(endpoint).Inc()
}

// RecordSubscriptionEvent records a log received from the live subscription.
func RecordSubscriptionEvent() {
	DefaultMetrics.SubscriptionEvents.Inc()
}

// RecordOutcome records the per-event outcome of the pipeline.
func RecordOutcome(source, outcome string) {
	DefaultMetrics.EventOutcomes.WithLabelValues(source, outcome).Inc()
}

// RecordApplyLatency records how long one unit of work took.
func RecordApplyLatency(route string, seconds float64) {
	DefaultMetrics.EventApplyLatency.WithLabelValues(route).Observe(seconds)
}

// RecordProcessingError records a per-event processing error.
func RecordProcessingError(route, errorType string) {
	DefaultMetrics.ProcessingErrors.WithLabelValues(route, errorType).Inc()
}

// UpdateHighestBlock raises the highest block gauge.
func UpdateHighestBlock(block uint64) {
	DefaultMetrics.HighestBlockSeen.Set(float64(block))
}

// RecordTradeSinkFailure records a failed analytics sink write.
func RecordTradeSinkFailure() {
	DefaultMetrics.TradeSinkFailures.Inc()
}

// RecordRPCCall records RPC call latency and status class.
func RecordRPCCall(method, status string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	DefaultMetrics.RPCCallsTotal.WithLabelValues(method, status).Inc()
}

// RecordRPCRateLimitWait records a call delayed by the client-side limiter.
func RecordRPCRateLimitWait() {
	DefaultMetrics.RPCRateLimitWaits.Inc()
}

// RecordBackfillRun records a finished backfill run.
func RecordBackfillRun(trigger, status string, durationSeconds float64) {
	DefaultMetrics.BackfillRunsTotal.WithLabelValues(trigger, status).Inc()
	DefaultMetrics.BackfillDuration.Observe(durationSeconds)
}

// RecordBackfillChunk records one chunk fetch outcome.
func RecordBackfillChunk(status string) {
	DefaultMetrics.BackfillChunks.WithLabelValues(status).Inc()
}

// RecordPendingRetried records re-applied pending records.
func RecordPendingRetried(n int) {
	DefaultMetrics.PendingRetried.Add(float64(n))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// MarkWebhookReceived stamps the last accepted webhook delivery.
func MarkWebhookReceived(unixSeconds int64) {
	DefaultMetrics.LastWebhookReceived.Set(float64(unixSeconds))
}

// MarkBackfillSucceeded stamps the last completed backfill run.
func MarkBackfillSucceeded(unixSeconds int64) {
	DefaultMetrics.LastSuccessfulBackfill.Set(float64(unixSeconds))
}
