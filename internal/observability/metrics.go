package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_created_total", Help: "Total ride requests accepted"})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "matches_total", Help: "Total successful driver reservations"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_hailing", Name: "match_latency_seconds", Help: "Time from dispatch pickup to reservation"})
	NoDriverTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "no_driver_cancellations_total", Help: "Rides cancelled after radius exhaustion"})
	AcceptTimeouts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "accept_timeouts_total", Help: "Matches reverted because the driver did not accept in time"})

	SurgeMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_hailing", Name: "surge_multiplier", Help: "Surge multiplier frozen at match time",
		Buckets: []float64{1.0, 1.2, 1.5, 1.8, 2.0},
	})

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payments_total", Help: "Payment settlements by outcome"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_hailing", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_hailing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
