package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_queue", Name: "queue_depth", Help: "Bookings held by the session including the current one"})
	BookingsAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_queue", Name: "bookings_accepted_total", Help: "Total accepted requests"})
	AcceptRejections   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_queue", Name: "accept_rejections_total", Help: "Accept attempts rejected, by reason"}, []string{"reason"})
	Cancellations      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_queue", Name: "cancellations_total", Help: "Held bookings removed by cancellation"}, []string{"cancelled_by"})
	Promotions         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_queue", Name: "promotions_total", Help: "Queue heads promoted to current"})
	RouteCacheLookups  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_queue", Name: "route_cache_lookups_total", Help: "Route cache lookups by result"}, []string{"result"})
	RouteFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_queue", Name: "route_fetch_duration_seconds", Help: "Route provider latency seconds", Buckets: prometheus.DefBuckets})
	IntakeVisible      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_queue", Name: "intake_requests_visible", Help: "Requests currently offered to the driver"})
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_queue", Name: "side_effect_failures_total", Help: "Best-effort transition hooks that failed"}, []string{"hook"})
	IngestMessages     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_queue", Name: "ingest_messages_total", Help: "Backend stream messages consumed, by topic and result"}, []string{"topic", "result"})
	WSConnections      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_queue", Name: "ws_connections", Help: "Open driver websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_queue", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_queue",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
