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
			Name: "hongbao_gateway_build_info",
			Help: "Build information of the red-packet gateway",
		},
		[]string{"version", "commit", "date"},
	)

	PollRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hongbao_gateway_poll_refresh_total",
			Help: "Total number of snapshot poll refreshes",
		},
		[]string{"status"},
	)

	PollRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hongbao_gateway_poll_refresh_duration_seconds",
			Help:    "Duration of snapshot poll refreshes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
	)

	SubscriptionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hongbao_gateway_subscription_events_total",
			Help: "Total number of engine events received from the live subscription",
		},
		[]string{"kind"},
	)

	ReplicaResyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hongbao_gateway_replica_resync_total",
			Help: "Total number of replica resync attempts",
		},
		[]string{"status"},
	)

	TimelineEntriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hongbao_gateway_timeline_entries",
			Help: "Number of de-duplicated timeline entries held in memory",
		},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hongbao_gateway_submissions_total",
			Help: "Total number of transaction submissions",
		},
		[]string{"kind", "status"},
	)

	StreamClientsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hongbao_gateway_stream_clients",
			Help: "Number of connected websocket stream clients",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hongbao_gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hongbao_gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hongbao_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available so path cardinality stays bounded.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
