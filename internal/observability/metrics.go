package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Offers sent to drivers"})
	OfferResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_responses_total", Help: "Driver responses to offers"},
		[]string{"response", "outcome"},
	)
	BatchesDispatched   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "batches_dispatched_total", Help: "Offer batches dispatched"})
	BatchesExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "batches_expired_total", Help: "Offer batches that expired without acceptance"})
	RidesUnmatched      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_unmatched_total", Help: "Rides that ran out of candidate drivers"})
	AssignConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assign_conflicts_total", Help: "Accepts that lost the assignment race"})
	BatchClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "batch_claim_conflicts_total", Help: "Batch dispatches that lost the claim to a concurrent dispatch"})
	FareShortfalls      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fare_shortfalls_total", Help: "Completed rides whose fare exceeded the payment hold"})
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from ride request to driver assignment",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied ride status transitions"},
		[]string{"from", "to"},
	)
	TimersArmed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "timers_armed", Help: "Live ride timers"})
	TimersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "timers_fired_total", Help: "Ride timers that elapsed"},
		[]string{"purpose"},
	)
	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_failed_total", Help: "Notifications that could not be delivered"},
		[]string{"type"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of connected driver sessions"})

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
