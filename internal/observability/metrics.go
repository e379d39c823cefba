package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "waste_pickup"

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_created_total", Help: "Jobs created"})

	// outcome: ok, lost_race, not_found, unavailable, forbidden, validation
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by outcome"},
		[]string{"outcome"},
	)
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "resolutions_total", Help: "Complete/cancel attempts by result and outcome"},
		[]string{"result", "outcome"},
	)
	RejectedDrafts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rejected_drafts_total", Help: "Job drafts rejected by validation, by field"},
		[]string{"field"},
	)
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "operation_latency_seconds", Help: "Lifecycle operation latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_subscriptions", Help: "Live job store subscriptions"})
	WSSessions          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Job events handed to publishers by result"},
		[]string{"result"},
	)
	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geocode_requests_total", Help: "Geocoder lookups by kind and outcome"},
		[]string{"kind", "outcome"},
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
