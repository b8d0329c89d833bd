package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HoldsAuthorized = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "holds_authorized_total", Help: "Payment holds authorized"},
		[]string{"processor"},
	)
	HoldsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "holds_captured_total", Help: "Payment holds captured"},
		[]string{"processor"},
	)
	HoldsCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "holds_canceled_total", Help: "Payment holds voided before capture"},
		[]string{"processor"},
	)
	HoldsRefunded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "holds_refunded_total", Help: "Refunds issued against captured holds"},
		[]string{"processor"},
	)
	PaymentsDeclined = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "payments_declined_total", Help: "Processor declines by code"},
		[]string{"processor", "code"},
	)
	ProcessorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_marketplace",
			Name:      "processor_call_duration_seconds",
			Help:      "Latency of external processor calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"processor", "op"},
	)

	ConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "ride_conflicts_detected_total", Help: "Ride postings rejected for schedule overlap"},
	)
	CancellationsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "driver_cancellations_recorded_total", Help: "Driver ride cancellations recorded"},
	)
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "driver_escalations_total", Help: "Reliability escalations by level"},
		[]string{"level"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_marketplace", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_marketplace",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
