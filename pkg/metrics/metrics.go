// Package metrics provides the Prometheus registry and HTTP handler for the
// API scheduler. All metrics are defined in their respective packages
// (cache, ratelimit, scheduler, client) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer used by every package.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Scheduler Metrics (pkg/scheduler):
//   - apisched_schedule_total{strategy, outcome} (Counter): Calls by queue strategy and outcome
//     (cached, joined, dispatched, rejected)
//   - apisched_pending_requests (Gauge): Requests registered and not yet resolved
//   - apisched_queue_depth (Gauge): Requests waiting for rate limiter admission
//   - apisched_queue_wait_seconds (Histogram): Time from registration to dispatch
//   - apisched_producer_duration_seconds (Histogram): Producer execution time
//   - apisched_producer_errors_total (Counter): Producer errors and panics
//   - apisched_abandoned_waits_total (Counter): Callers whose context ended before resolution
//
// Rate Limit Metrics (pkg/ratelimit):
//   - apisched_ratelimit_admissions_total{mode} (Counter): Admissions by limiter mode
//   - apisched_ratelimit_admission_delay_seconds{mode} (Histogram): Delay imposed per admission
//   - apisched_ratelimit_window_rollovers_total (Counter): Overflows carried into the next window
//
// Cache Metrics (pkg/cache):
//   - apisched_cache_hits_total (Counter): Reads that found a fresh entry
//   - apisched_cache_stale_reads_total (Counter): Reads that found an expired entry
//   - apisched_cache_misses_total (Counter): Reads of absent keys
//   - apisched_cache_items (Gauge): Entries held, fresh or stale
//   - apisched_cache_expirations_total (Counter): Explicit expirations
//   - apisched_304_responses_total (Counter): 304 Not Modified responses
//   - apisched_conditional_requests_total (Counter): Conditional requests sent
//
// Request Metrics (pkg/client):
//   - apisched_requests_total{method, status} (Counter): Upstream requests by method and HTTP status
//   - apisched_request_duration_seconds{method} (Histogram): Upstream request duration
//   - apisched_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - apisched_invalidations_total (Counter): Cache entries expired by mutations
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(apisched_cache_hits_total[5m])) /
//   (sum(rate(apisched_cache_hits_total[5m])) + sum(rate(apisched_cache_misses_total[5m]))
//    + sum(rate(apisched_cache_stale_reads_total[5m])))
//
//   # Deduplication Ratio
//   sum(rate(apisched_schedule_total{outcome="joined"}[5m])) /
//   sum(rate(apisched_schedule_total[5m]))
//
//   # Backlog
//   apisched_queue_depth > 100
//
//   # P95 Admission Delay
//   histogram_quantile(0.95, rate(apisched_ratelimit_admission_delay_seconds_bucket[5m]))
