package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Schedule outcomes.
const (
	outcomeCached     = "cached"
	outcomeJoined     = "joined"
	outcomeDispatched = "dispatched"
	outcomeRejected   = "rejected"
)

var (
	// scheduleTotal counts calls by strategy and outcome
	scheduleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apisched_schedule_total",
			Help: "Total number of scheduled calls by queue strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// pendingRequests tracks in-flight requests across all keys
	pendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apisched_pending_requests",
			Help: "Number of requests registered and not yet resolved",
		},
	)

	// queueDepth tracks requests waiting for rate limiter admission
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apisched_queue_depth",
			Help: "Number of requests waiting for rate limiter admission",
		},
	)

	// producerDuration tracks producer execution time
	producerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apisched_producer_duration_seconds",
			Help:    "Duration of producer calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// queueWaitDuration tracks time from registration to dispatch
	queueWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apisched_queue_wait_seconds",
			Help:    "Time requests spent queued before dispatch",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	// producerErrorsTotal counts producer failures, panics included
	producerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_producer_errors_total",
			Help: "Total number of producer calls that returned an error or panicked",
		},
	)

	// abandonedWaitsTotal counts waiters that stopped waiting before resolution
	abandonedWaitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_abandoned_waits_total",
			Help: "Total number of callers whose context ended before their request resolved",
		},
	)
)
