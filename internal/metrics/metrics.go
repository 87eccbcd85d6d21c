// Package metrics holds the Prometheus collectors of the rakeback engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rakeback_build_info",
			Help: "Build information of the rakeback engine",
		},
		[]string{"version"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakeback_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rakeback_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	BlocksIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakeback_blocks_ingested_total",
			Help: "Blocks ingested, by completeness flag",
		},
		[]string{"flag"},
	)

	BlocksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rakeback_blocks_skipped_total",
			Help: "Blocks skipped because they were already ingested or in flight",
		},
	)

	BlockErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakeback_block_errors_total",
			Help: "Per-block ingestion failures, by kind",
		},
		[]string{"kind"},
	)

	AttributionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rakeback_attributions_created_total",
			Help: "Attribution rows written",
		},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rakeback_gateway_request_duration_seconds",
			Help:    "Duration of chain gateway calls, retries included",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"operation", "status"},
	)

	ConversionsAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakeback_conversions_allocated_total",
			Help: "Conversion events stamped, by resulting allocation status",
		},
		[]string{"status"},
	)

	LedgerAggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakeback_ledger_aggregations_total",
			Help: "Ledger aggregations, by outcome",
		},
		[]string{"status"},
	)

	OpenIssues = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rakeback_open_issues",
			Help: "Open data-quality issues, by severity",
		},
		[]string{"severity"},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rakeback_retry_queue_depth",
			Help: "Block ingestions waiting in the retry queue",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ObserveGateway records one gateway call.
func ObserveGateway(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GatewayRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
