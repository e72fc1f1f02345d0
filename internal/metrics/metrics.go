// Package metrics holds the Prometheus instruments shared by the analytics
// services. Everything registers on the default registry and is served by
// promhttp.Handler at /metrics.
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
	// Ingest
	EventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showfolio_events_accepted_total",
			Help: "Events persisted by the aggregation endpoint",
		},
		[]string{"event"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showfolio_events_rejected_total",
			Help: "Requests refused before persistence",
		},
		[]string{"endpoint", "reason"}, // "validation", "rate_limit", "store"
	)

	HeartbeatsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showfolio_heartbeats_upserted_total",
			Help: "Heartbeats folded into their time_spent record",
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showfolio_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Geo
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showfolio_geo_lookups_total",
			Help: "Location lookups by outcome",
		},
		[]string{"result"}, // "cache_hit", "resolved", "unknown"
	)

	// Publishing
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showfolio_kafka_publish_total",
			Help: "Accepted events published to Kafka",
		},
		[]string{"result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "showfolio_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Archiver
	ArchiverBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "showfolio_archiver_buffered_events",
			Help: "Events waiting for the next warehouse flush",
		},
	)

	ArchiverFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showfolio_archiver_flushed_events_total",
			Help: "Events written to the warehouse",
		},
		[]string{"result"},
	)

	ArchiverFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "showfolio_archiver_flush_duration_seconds",
			Help:    "Duration of warehouse batch flushes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Middleware records request latency keyed by the matched chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
