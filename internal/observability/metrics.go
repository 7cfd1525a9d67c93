package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleOpsTotal counts booking lifecycle operations by outcome.
	// result is "ok" or the rejection kind (capacity, duplicate, ...).
	LifecycleOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_share", Name: "lifecycle_ops_total", Help: "Booking lifecycle operations by outcome"},
		[]string{"op", "result"},
	)
	LifecycleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ride_share", Name: "lifecycle_latency_seconds", Help: "Booking lifecycle operation latency seconds"},
		[]string{"op"},
	)
	SeatsBooked = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_share", Name: "seats_booked_total", Help: "Seats reserved by committed bookings"})

	EventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_share", Name: "events_delivered_total", Help: "Lifecycle events handed to sinks"},
		[]string{"sink", "result"},
	)
	WSSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_share", Name: "ws_subscribers", Help: "Open websocket ride subscriptions"})

	ReconcileRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_share", Name: "reconcile_repairs_total", Help: "Rides whose derived seat state was repaired"})
	ReconcileRunsTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_share", Name: "reconcile_runs_total", Help: "Reconciliation sweeps"},
		[]string{"result"},
	)

	PaymentOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_share", Name: "payment_ops_total", Help: "Payment hold/capture/cancel calls"},
		[]string{"op", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_share", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_share",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
