package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_found",
		Help:      "Candidates returned per proximity search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	TrackingTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_ticks_total", Help: "Tracking ticks by result"},
		[]string{"result"},
	)
	TrackingTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "tracking_tick_duration_seconds", Help: "Tracking tick latency seconds"})

	TrackingDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_discarded_total", Help: "Tick results discarded before publication"},
		[]string{"reason"},
	)

	CandidateDropoutsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidate_dropouts_total", Help: "Candidates removed between ticks"})
	SessionsActive         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions_active", Help: "Number of live tracking sessions"})

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking confirmations by result"},
		[]string{"result"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status and result"},
		[]string{"to", "result"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Outbound notifications by type and result"},
		[]string{"type", "result"},
	)

	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Location updates consumed by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
